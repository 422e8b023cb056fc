// Package fsindex maintains the per-tenant file and relation model that
// refresh cycles rebuild the shared accounting totals from.
//
// A Model is owned by exactly one refresh worker goroutine and is not
// safe for concurrent use. It tracks the last observed size of every
// storage unit, aggregates unit sizes per relation, and forwards
// principal-level deltas to the shared ledger once a relation's owner
// is known.
package fsindex

import (
	"context"
	"fmt"

	"github.com/diskwarden/diskwarden/internal/ledger"
)

// UnitKey is the tenant-scoped, root-relative path of one storage unit,
// e.g. "base/5/16400.1". Paths are unique within a tenant's model, so a
// unit that moves is reclaimed at its old key and observed at its new
// one.
type UnitKey string

// FileState is the last observed state of one storage unit.
type FileState struct {
	Size int64
	Gen  uint64
	Rel  RelationID
}

// Relation aggregates the sizes of all storage units belonging to one
// relation. Until the owner is resolved, size accumulates here and is
// pushed to the ledger in a single delta at resolution time.
type Relation struct {
	Size     int64
	Units    int
	Owner    ledger.PrincipalID
	Resolved bool
}

// Sink receives principal-level size deltas. *ledger.Ledger satisfies
// it.
type Sink interface {
	ApplyDelta(principal ledger.PrincipalID, tenant ledger.TenantID, delta int64) error
}

// Oracle answers which principal owns a relation right now. The second
// return is false when the relation is not in the catalog, which keeps
// it pending for the next cycle.
type Oracle interface {
	Owner(ctx context.Context, rel RelationID) (ledger.PrincipalID, bool, error)
}

// Model is the per-tenant file and relation index.
type Model struct {
	tenant    ledger.TenantID
	gen       uint64
	files     map[UnitKey]*FileState
	relations map[RelationID]*Relation
	pending   map[RelationID]struct{}
	sink      Sink
}

// ModelStats is a point-in-time summary of the model.
type ModelStats struct {
	Files      int
	Relations  int
	Pending    int
	Generation uint64
}

// NewModel creates an empty model for the given tenant, forwarding
// resolved deltas to sink.
func NewModel(tenant ledger.TenantID, sink Sink) *Model {
	return &Model{
		tenant:    tenant,
		files:     make(map[UnitKey]*FileState),
		relations: make(map[RelationID]*Relation),
		pending:   make(map[RelationID]struct{}),
		sink:      sink,
	}
}

// Tenant returns the tenant this model accounts for.
func (m *Model) Tenant() ledger.TenantID {
	return m.tenant
}

// BeginCycle advances the generation stamp. Units observed during the
// cycle carry the new generation; anything left on an older one when
// ReclaimStale runs was deleted on disk.
func (m *Model) BeginCycle() uint64 {
	m.gen++
	return m.gen
}

// Observe records the current size of a storage unit. New units charge
// their full size, known units charge the difference to the last
// observation. A zero difference still stamps the unit as seen this
// cycle.
func (m *Model) Observe(key UnitKey, rel RelationID, size int64) {
	fs, ok := m.files[key]
	if !ok {
		m.files[key] = &FileState{Size: size, Gen: m.gen, Rel: rel}
		r := m.relation(rel)
		r.Units++
		m.charge(rel, r, size)
		return
	}

	delta := size - fs.Size
	fs.Size = size
	fs.Gen = m.gen
	if delta != 0 {
		m.charge(fs.Rel, m.relations[fs.Rel], delta)
	}
}

// ReclaimStale removes every unit not seen by the current generation's
// walk and reverses its size. Call only after a complete walk; an
// aborted walk must not reclaim, since absence from a partial
// enumeration proves nothing. Returns the number of units reclaimed
// and their total bytes.
func (m *Model) ReclaimStale() (int, int64) {
	var units int
	var bytes int64

	for key, fs := range m.files {
		if fs.Gen == m.gen {
			continue
		}
		r := m.relations[fs.Rel]
		m.charge(fs.Rel, r, -fs.Size)
		r.Units--
		if r.Units == 0 {
			delete(m.relations, fs.Rel)
			delete(m.pending, fs.Rel)
		}
		delete(m.files, key)
		units++
		bytes += fs.Size
	}
	return units, bytes
}

// ResolvePending asks the oracle for the owner of every pending
// relation. Resolved relations push their accumulated size to the sink
// as one delta and forward subsequent deltas live. Relations unknown to
// the catalog stay pending. An oracle error aborts resolution for this
// cycle; already-resolved relations keep their owner.
func (m *Model) ResolvePending(ctx context.Context, oracle Oracle) (int, error) {
	resolved := 0
	for id := range m.pending {
		owner, ok, err := oracle.Owner(ctx, id)
		if err != nil {
			return resolved, fmt.Errorf("resolving owner of relation %s: %w", id, err)
		}
		if !ok {
			// Not in the catalog, e.g. created after the catalog
			// snapshot or already dropped. Retried next cycle.
			continue
		}

		r := m.relations[id]
		r.Owner = owner
		r.Resolved = true
		delete(m.pending, id)
		if r.Size != 0 {
			_ = m.sink.ApplyDelta(owner, id.Tenant, r.Size)
		}
		resolved++
	}
	return resolved, nil
}

// Stats returns a summary of the model.
func (m *Model) Stats() ModelStats {
	return ModelStats{
		Files:      len(m.files),
		Relations:  len(m.relations),
		Pending:    len(m.pending),
		Generation: m.gen,
	}
}

// relation returns the aggregate for id, creating it in the pending set
// if absent.
func (m *Model) relation(id RelationID) *Relation {
	r, ok := m.relations[id]
	if !ok {
		r = &Relation{}
		m.relations[id] = r
		m.pending[id] = struct{}{}
	}
	return r
}

// charge applies a size delta to a relation and, when the owner is
// known, forwards it to the sink. Sink capacity errors are already
// counted and logged by the ledger.
func (m *Model) charge(id RelationID, r *Relation, delta int64) {
	r.Size += delta
	if r.Resolved && delta != 0 {
		_ = m.sink.ApplyDelta(r.Owner, id.Tenant, delta)
	}
}
