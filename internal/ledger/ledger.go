// Package ledger maintains the shared per-principal accounting table.
//
// The table maps (principal, tenant) to a running byte total and a
// configured quota. Refresh workers write deltas into it; admission
// checks read from it on the storage engine's write path. Totals are
// maintained by deltas only and are never recomputed in place.
package ledger

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// PrincipalID identifies an accountable storage owner.
type PrincipalID uint32

// TenantID identifies a logical tenant within the storage engine.
type TenantID uint32

// QuotaUnset marks an entry with no configured byte limit.
const QuotaUnset int64 = -1

// DefaultMaxEntries bounds the table when no explicit capacity is configured.
const DefaultMaxEntries = 1024

// Key identifies one accounting row.
type Key struct {
	Principal PrincipalID
	Tenant    TenantID
}

// Entry holds the running total and quota for one key.
type Entry struct {
	Total int64
	Quota int64 // QuotaUnset when no limit is configured
}

// Ledger is the process-shared aggregate table. A single RWMutex guards
// all rows: admission checks take the read lock, every mutation takes
// the write lock. The table holds at most maxEntries rows and never
// evicts; updates that would grow it past the bound are dropped.
type Ledger struct {
	entries    map[Key]*Entry
	maxEntries int
	dropped    uint64
	mu         sync.RWMutex
}

// New creates an empty ledger bounded to maxEntries rows.
// maxEntries of 0 or less selects DefaultMaxEntries.
func New(maxEntries int) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Ledger{
		entries:    make(map[Key]*Entry),
		maxEntries: maxEntries,
	}
}

// lookup returns the row for key, creating it if absent. Returns nil
// when the row is absent and the table is at capacity. Caller must hold
// the write lock.
func (l *Ledger) lookup(key Key) *Entry {
	if e, ok := l.entries[key]; ok {
		return e
	}
	if len(l.entries) >= l.maxEntries {
		return nil
	}
	e := &Entry{Quota: QuotaUnset}
	l.entries[key] = e
	return e
}

// ApplyDelta adjusts the running total for (principal, tenant) by delta,
// creating the row if needed. Returns ErrLedgerFull if a new row cannot
// be created; the delta is dropped and the accounting for that key stays
// incomplete until capacity is raised.
func (l *Ledger) ApplyDelta(principal PrincipalID, tenant TenantID, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Principal: principal, Tenant: tenant}
	e := l.lookup(key)
	if e == nil {
		l.dropped++
		log.Warn().
			Uint32("principal", uint32(principal)).
			Uint32("tenant", uint32(tenant)).
			Int64("delta", delta).
			Int("max_entries", l.maxEntries).
			Msg("Accounting table full, dropping size update")
		return ErrLedgerFull
	}

	e.Total += delta
	if e.Total < 0 {
		e.Total = 0
	}
	if e.Total == 0 && e.Quota == QuotaUnset {
		delete(l.entries, key)
	}
	return nil
}

// SetQuota sets the byte limit for (principal, tenant), creating the row
// if needed. Pass QuotaUnset to clear the limit. Returns ErrLedgerFull
// if a new row cannot be created.
func (l *Ledger) SetQuota(principal PrincipalID, tenant TenantID, quota int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Principal: principal, Tenant: tenant}
	e := l.lookup(key)
	if e == nil {
		l.dropped++
		log.Warn().
			Uint32("principal", uint32(principal)).
			Uint32("tenant", uint32(tenant)).
			Int64("quota", quota).
			Int("max_entries", l.maxEntries).
			Msg("Accounting table full, dropping quota update")
		return ErrLedgerFull
	}

	e.Quota = quota
	if e.Total == 0 && e.Quota == QuotaUnset {
		delete(l.entries, key)
	}
	return nil
}

// IsWithinQuota reports whether the principal may keep writing in the
// tenant. It fails open: a missing row or an unset quota admits, only a
// configured quota with Total above it rejects.
func (l *Ledger) IsWithinQuota(principal PrincipalID, tenant TenantID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[Key{Principal: principal, Tenant: tenant}]
	if !ok {
		return true
	}
	if e.Quota >= 0 && e.Total > e.Quota {
		return false
	}
	return true
}

// Usage returns the entry for (principal, tenant), or false if no row
// exists.
func (l *Ledger) Usage(principal PrincipalID, tenant TenantID) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[Key{Principal: principal, Tenant: tenant}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ClearTenant removes every row of the given tenant and returns the
// number removed. Refresh workers call this on start so a rebuilt model
// does not double count into totals surviving from a previous run.
func (l *Ledger) ClearTenant(tenant TenantID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.entries {
		if key.Tenant == tenant {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the current number of rows.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// MaxEntries returns the configured row capacity.
func (l *Ledger) MaxEntries() int {
	return l.maxEntries
}

// DroppedUpdates returns how many updates were dropped because the
// table was full.
func (l *Ledger) DroppedUpdates() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Snapshot returns a copy of all rows for status and reporting.
func (l *Ledger) Snapshot() map[Key]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[Key]Entry, len(l.entries))
	for k, e := range l.entries {
		out[k] = *e
	}
	return out
}
