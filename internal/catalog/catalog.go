// Package catalog resolves relation ownership against the storage
// engine's catalog. Both implementations satisfy fsindex.Oracle.
package catalog

import (
	"context"
	"sync"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
)

// StaticOracle answers ownership queries from a fixed table. It serves
// tests and single-box deployments where ownership is declared in the
// configuration file.
type StaticOracle struct {
	owners map[fsindex.RelationID]ledger.PrincipalID
	mu     sync.RWMutex
}

// NewStaticOracle creates an oracle over the given ownership table. The
// map is copied.
func NewStaticOracle(owners map[fsindex.RelationID]ledger.PrincipalID) *StaticOracle {
	o := &StaticOracle{owners: make(map[fsindex.RelationID]ledger.PrincipalID, len(owners))}
	for rel, p := range owners {
		o.owners[rel] = p
	}
	return o
}

// Owner returns the owning principal of rel, or false if the relation
// is not declared.
func (o *StaticOracle) Owner(_ context.Context, rel fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.owners[rel]
	return p, ok, nil
}

// Set declares or updates the owner of rel.
func (o *StaticOracle) Set(rel fsindex.RelationID, owner ledger.PrincipalID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[rel] = owner
}

// Delete removes the declaration for rel.
func (o *StaticOracle) Delete(rel fsindex.RelationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.owners, rel)
}
