// Package refresh drives the periodic accounting cycle for each tenant:
// scan the tenant's storage roots, reclaim stale entries, resolve relation
// ownership, and apply quota assignments to the shared accounting table.
package refresh

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/internal/metrics"
	"github.com/diskwarden/diskwarden/internal/quotacfg"
)

// DefaultInterval is the pause between refresh cycles when the
// configuration does not specify one.
const DefaultInterval = 2 * time.Second

// Config holds the collaborators and tuning for one tenant's Scheduler.
type Config struct {
	// Tenant is the tenant this scheduler accounts for.
	Tenant ledger.TenantID

	// Ledger is the shared accounting table updated by cycles.
	Ledger *ledger.Ledger

	// Scanner walks the tenant's storage roots.
	Scanner *fsindex.Scanner

	// Oracle resolves relation ownership. Optional; when nil,
	// relations stay pending and their usage is never charged.
	Oracle fsindex.Oracle

	// Loader applies quota assignments. Optional.
	Loader *quotacfg.Loader

	// Interval is the pause between cycles. Zero means DefaultInterval.
	Interval time.Duration

	// OnReload is consulted when Reload is signaled. It returns the
	// new cycle interval and whether to adopt it. Optional.
	OnReload func() (time.Duration, bool)

	// Metrics records cycle outcomes. Optional.
	Metrics *metrics.QuotaMetrics
}

// Scheduler runs the refresh cycle for a single tenant. All cycle work
// happens on one goroutine started by Start; accessors are safe to call
// from any goroutine.
type Scheduler struct {
	mu sync.RWMutex

	cfg   Config
	model *fsindex.Model

	state    State
	lastErr  error
	interval time.Duration

	cycles       uint64
	lastCycleID  string
	lastCycleDur time.Duration
	lastStats    fsindex.ModelStats

	ctx    context.Context
	cancel context.CancelFunc

	runningOnce sync.Once
	stoppedOnce sync.Once

	wakeCh   chan struct{}
	reloadCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler creates a scheduler for the tenant described by cfg.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:      cfg,
		model:    fsindex.NewModel(cfg.Tenant, cfg.Ledger),
		state:    StateIdle,
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
		wakeCh:   make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Tenant returns the tenant this scheduler accounts for.
func (s *Scheduler) Tenant() ledger.TenantID {
	return s.cfg.Tenant
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the most recent cycle error, if any.
func (s *Scheduler) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Status is a point-in-time snapshot of a scheduler for reporting.
type Status struct {
	Tenant       ledger.TenantID
	State        State
	Files        int
	Relations    int
	Pending      int
	Cycles       uint64
	LastCycleID  string
	LastCycleDur time.Duration
	LastError    error
}

// Status returns a snapshot of the scheduler's progress.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Tenant:       s.cfg.Tenant,
		State:        s.state,
		Files:        s.lastStats.Files,
		Relations:    s.lastStats.Relations,
		Pending:      s.lastStats.Pending,
		Cycles:       s.cycles,
		LastCycleID:  s.lastCycleID,
		LastCycleDur: s.lastCycleDur,
		LastError:    s.lastErr,
	}
}

// Start clears any rows left over from a previous run of this tenant and
// launches the cycle goroutine. The first cycle runs immediately.
func (s *Scheduler) Start() {
	s.runningOnce.Do(func() {
		cleared := s.cfg.Ledger.ClearTenant(s.cfg.Tenant)
		if cleared > 0 {
			log.Info().
				Uint32("tenant", uint32(s.cfg.Tenant)).
				Int("rows", cleared).
				Msg("Cleared stale accounting rows")
		}
		go s.run()
	})
}

// Stop terminates the scheduler and blocks until the cycle goroutine has
// exited. A cycle in flight is allowed to finish: the stop signal is only
// honored at the idle point, and the cycle context is released afterward.
// Stop before Start leaves the scheduler permanently terminated.
func (s *Scheduler) Stop() {
	s.stoppedOnce.Do(func() {
		close(s.stopCh)
	})
	s.runningOnce.Do(func() {
		s.setState(StateTerminated)
		close(s.doneCh)
	})
	<-s.doneCh
	s.cancel()
}

// Wake requests an immediate cycle. Non-blocking; a wake signaled during
// a cycle schedules one more cycle, never several.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Reload requests that the scheduler pick up new configuration. The
// request is honored at the next idle point, followed by a fresh cycle.
func (s *Scheduler) Reload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	log.Info().
		Uint32("tenant", uint32(s.cfg.Tenant)).
		Dur("interval", s.currentInterval()).
		Msg("Refresh scheduler started")

	for {
		select {
		case <-s.stopCh:
			s.transitionTo(StateTerminated)
			return
		default:
		}

		s.runCycle()

		timer := time.NewTimer(s.currentInterval())
		select {
		case <-s.stopCh:
			timer.Stop()
			s.transitionTo(StateTerminated)
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-s.reloadCh:
			timer.Stop()
			s.applyReload()
		case <-timer.C:
		}
	}
}

// runCycle performs one full scan/reconcile/load pass. Failed steps are
// logged and skipped; the cycle always returns the scheduler to idle.
func (s *Scheduler) runCycle() {
	cycleID := uuid.New().String()[:8]
	start := time.Now()
	tenant := uint32(s.cfg.Tenant)
	gen := s.model.BeginCycle()

	s.setLastError(nil)
	s.transitionTo(StateScanning)

	walkComplete := true
	scanStats, err := s.cfg.Scanner.Scan(s.ctx, s.model)
	if err != nil {
		// A partial walk must not reclaim entries it never reached.
		walkComplete = false
		s.setLastError(err)
		s.countStepError("scan")
		log.Warn().
			Err(err).
			Str("cycle", cycleID).
			Uint32("tenant", tenant).
			Msg("Scan aborted, keeping stale entries")
	}

	var reclaimedUnits int
	var reclaimedBytes int64
	if walkComplete {
		reclaimedUnits, reclaimedBytes = s.model.ReclaimStale()
	}

	s.transitionTo(StateReconciling)

	resolved := 0
	if s.cfg.Oracle != nil {
		n, err := s.model.ResolvePending(s.ctx, s.cfg.Oracle)
		resolved = n
		if err != nil {
			s.setLastError(err)
			s.countStepError("resolve")
			log.Warn().
				Err(err).
				Str("cycle", cycleID).
				Uint32("tenant", tenant).
				Msg("Ownership resolution incomplete")
		}
	}

	s.transitionTo(StateLoaded)

	applied := 0
	if s.cfg.Loader != nil {
		n, err := s.cfg.Loader.Apply(s.ctx, s.cfg.Ledger, s.cfg.Tenant)
		applied = n
		if err != nil {
			s.setLastError(err)
			s.countStepError("load")
			log.Warn().
				Err(err).
				Str("cycle", cycleID).
				Uint32("tenant", tenant).
				Msg("Quota load failed, keeping previous limits")
		}
	}

	stats := s.model.Stats()
	dur := time.Since(start)

	s.mu.Lock()
	s.cycles++
	s.lastCycleID = cycleID
	s.lastCycleDur = dur
	s.lastStats = stats
	s.mu.Unlock()

	s.recordCycle(stats, dur, reclaimedUnits, applied)

	log.Debug().
		Str("cycle", cycleID).
		Uint32("tenant", tenant).
		Uint64("generation", gen).
		Int("units", scanStats.Units).
		Int64("bytes", scanStats.Bytes).
		Int("skipped", scanStats.Skipped).
		Int("reclaimed_units", reclaimedUnits).
		Int64("reclaimed_bytes", reclaimedBytes).
		Int("resolved", resolved).
		Int("quotas", applied).
		Dur("elapsed", dur).
		Msg("Refresh cycle complete")

	s.transitionTo(StateIdle)
}

func (s *Scheduler) applyReload() {
	if s.cfg.OnReload == nil {
		return
	}
	interval, ok := s.cfg.OnReload()
	if !ok {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	log.Info().
		Uint32("tenant", uint32(s.cfg.Tenant)).
		Dur("interval", interval).
		Msg("Refresh configuration reloaded")
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Scheduler) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// transitionTo attempts a state transition, validating it first.
func (s *Scheduler) transitionTo(target State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == target {
		return
	}

	if !s.state.CanTransitionTo(target) {
		log.Warn().
			Uint32("tenant", uint32(s.cfg.Tenant)).
			Str("from", s.state.String()).
			Str("to", target.String()).
			Msg("Invalid scheduler state transition")
		return
	}

	log.Trace().
		Uint32("tenant", uint32(s.cfg.Tenant)).
		Str("from", s.state.String()).
		Str("to", target.String()).
		Msg("Scheduler state transition")

	s.state = target
}

// setState forces a state without validation, for the stop path.
func (s *Scheduler) setState(target State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = target
}

func (s *Scheduler) recordCycle(stats fsindex.ModelStats, dur time.Duration, reclaimed, applied int) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	tenant := strconv.FormatUint(uint64(s.cfg.Tenant), 10)

	m.CyclesTotal.WithLabelValues(tenant).Inc()
	m.CycleDuration.WithLabelValues(tenant).Observe(dur.Seconds())
	m.FilesTracked.WithLabelValues(tenant).Set(float64(stats.Files))
	m.RelationsTracked.WithLabelValues(tenant).Set(float64(stats.Relations))
	m.RelationsPending.WithLabelValues(tenant).Set(float64(stats.Pending))
	if reclaimed > 0 {
		m.UnitsReclaimed.WithLabelValues(tenant).Add(float64(reclaimed))
	}
	m.QuotasLoaded.WithLabelValues(tenant).Set(float64(applied))
	m.LedgerRows.Set(float64(s.cfg.Ledger.Len()))
	m.DroppedUpdates.Set(float64(s.cfg.Ledger.DroppedUpdates()))
}

func (s *Scheduler) countStepError(step string) {
	if s.cfg.Metrics == nil {
		return
	}
	tenant := strconv.FormatUint(uint64(s.cfg.Tenant), 10)
	s.cfg.Metrics.CycleErrors.WithLabelValues(tenant, step).Inc()
}
