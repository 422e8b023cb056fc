package refresh

import (
	"sort"

	"github.com/diskwarden/diskwarden/internal/ledger"
)

// Group owns the per-tenant schedulers of one daemon and fans control
// operations out to them.
type Group struct {
	schedulers map[ledger.TenantID]*Scheduler
}

// NewGroup creates an empty scheduler group.
func NewGroup() *Group {
	return &Group{
		schedulers: make(map[ledger.TenantID]*Scheduler),
	}
}

// Add registers a scheduler. Adding a second scheduler for the same
// tenant replaces the first; the caller stops the old one.
func (g *Group) Add(s *Scheduler) {
	g.schedulers[s.Tenant()] = s
}

// Get returns the scheduler for a tenant, if one is registered.
func (g *Group) Get(tenant ledger.TenantID) (*Scheduler, bool) {
	s, ok := g.schedulers[tenant]
	return s, ok
}

// Len returns the number of registered schedulers.
func (g *Group) Len() int {
	return len(g.schedulers)
}

// Start launches every scheduler.
func (g *Group) Start() {
	for _, s := range g.schedulers {
		s.Start()
	}
}

// Stop terminates every scheduler, blocking until all have exited.
func (g *Group) Stop() {
	for _, s := range g.schedulers {
		s.Stop()
	}
}

// Wake requests an immediate cycle from one tenant's scheduler, or from
// all of them when tenant is nil. Returns the number of schedulers woken.
func (g *Group) Wake(tenant *ledger.TenantID) int {
	if tenant != nil {
		s, ok := g.schedulers[*tenant]
		if !ok {
			return 0
		}
		s.Wake()
		return 1
	}
	for _, s := range g.schedulers {
		s.Wake()
	}
	return len(g.schedulers)
}

// Reload asks every scheduler to pick up new configuration at its next
// idle point.
func (g *Group) Reload() {
	for _, s := range g.schedulers {
		s.Reload()
	}
}

// Status returns scheduler snapshots ordered by tenant.
func (g *Group) Status() []Status {
	out := make([]Status, 0, len(g.schedulers))
	for _, s := range g.schedulers {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}
