package refresh

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/internal/metrics"
	"github.com/diskwarden/diskwarden/internal/quotacfg"
)

// staticOracle resolves ownership from a fixed map.
type staticOracle map[fsindex.RelationID]ledger.PrincipalID

func (o staticOracle) Owner(_ context.Context, rel fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	p, ok := o[rel]
	return p, ok, nil
}

type failingOracle struct{ err error }

func (o failingOracle) Owner(context.Context, fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	return 0, false, o.err
}

// slowOracle signals entry on its first lookup, then stalls until delay
// elapses or the cycle context is canceled.
type slowOracle struct {
	owner    ledger.PrincipalID
	delay    time.Duration
	entered  chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

func (o *slowOracle) Owner(ctx context.Context, _ fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	o.once.Do(func() { close(o.entered) })
	select {
	case <-ctx.Done():
		o.canceled.Store(true)
		return 0, false, ctx.Err()
	case <-time.After(o.delay):
		return o.owner, true, nil
	}
}

func writeUnit(t *testing.T, fs billy.Filesystem, name string, size int) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(path.Dir(name), 0o755))
	require.NoError(t, util.WriteFile(fs, name, make([]byte, size), 0o644))
}

func waitForCycles(t *testing.T, s *Scheduler, n uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status().Cycles >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d cycles, completed: %d", n, s.Status().Cycles)
}

func waitForState(t *testing.T, s *Scheduler, expected State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current state: %s", expected, s.State())
}

func TestScheduler_InitialState(t *testing.T) {
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:  5,
		Ledger:  l,
		Scanner: fsindex.NewScanner(memfs.New(), 5),
	})
	defer s.Stop()

	assert.Equal(t, ledger.TenantID(5), s.Tenant())
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.LastError())
	assert.Equal(t, uint64(0), s.Status().Cycles)
}

func TestScheduler_FirstCycleCharges(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 1000)
	writeUnit(t, fs, "base/5/16400.1", 500)

	rel := fsindex.RelationID{Space: fsindex.SpaceDefault, Tenant: 5, Object: 16400}
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, 5),
		Oracle:   staticOracle{rel: 10},
		Loader:   quotacfg.NewLoader(quotacfg.StaticSource{{Principal: 10, Tenant: 5, Limit: 10000}}),
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)
	waitForState(t, s, StateIdle, 2*time.Second)

	usage, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(1500), usage.Total)
	assert.Equal(t, int64(10000), usage.Quota)

	status := s.Status()
	assert.Equal(t, 2, status.Files)
	assert.Equal(t, 1, status.Relations)
	assert.Equal(t, 0, status.Pending)
	assert.NotEmpty(t, status.LastCycleID)
	assert.Nil(t, status.LastError)
}

func TestScheduler_ClearsStaleRowsOnStart(t *testing.T) {
	l := ledger.New(16)
	require.NoError(t, l.ApplyDelta(99, 5, 500))
	require.NoError(t, l.ApplyDelta(99, 7, 700))

	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(memfs.New(), 5),
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	_, ok := l.Usage(99, 5)
	assert.False(t, ok, "leftover tenant rows should be cleared at startup")

	other, ok := l.Usage(99, 7)
	require.True(t, ok, "other tenants must not be touched")
	assert.Equal(t, int64(700), other.Total)
}

func TestScheduler_WakeRunsImmediateCycle(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 1000)

	rel := fsindex.RelationID{Space: fsindex.SpaceDefault, Tenant: 5, Object: 16400}
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, 5),
		Oracle:   staticOracle{rel: 10},
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	writeUnit(t, fs, "base/5/16400", 1800)
	s.Wake()
	waitForCycles(t, s, 2, 2*time.Second)

	usage, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(1800), usage.Total)
}

func TestScheduler_DeleteReclaims(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 1000)
	writeUnit(t, fs, "base/5/16400.1", 500)

	rel := fsindex.RelationID{Space: fsindex.SpaceDefault, Tenant: 5, Object: 16400}
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, 5),
		Oracle:   staticOracle{rel: 10},
		Loader:   quotacfg.NewLoader(quotacfg.StaticSource{{Principal: 10, Tenant: 5, Limit: 1000}}),
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	usage, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(1500), usage.Total)
	assert.False(t, l.IsWithinQuota(10, 5))

	require.NoError(t, fs.Remove("base/5/16400"))
	require.NoError(t, fs.Remove("base/5/16400.1"))
	s.Wake()
	waitForCycles(t, s, 2, 2*time.Second)

	usage, ok = l.Usage(10, 5)
	require.True(t, ok, "row with an assigned quota survives at zero usage")
	assert.Equal(t, int64(0), usage.Total)
	assert.True(t, l.IsWithinQuota(10, 5))
}

func TestScheduler_StopTerminates(t *testing.T) {
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   ledger.New(16),
		Scanner:  fsindex.NewScanner(memfs.New(), 5),
		Interval: 20 * time.Millisecond,
	})

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	s.Stop()
	assert.Equal(t, StateTerminated, s.State())

	// Second stop is safe.
	s.Stop()
	assert.Equal(t, StateTerminated, s.State())
}

func TestScheduler_StopFinishesInFlightCycle(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 100)

	oracle := &slowOracle{owner: 10, delay: 200 * time.Millisecond, entered: make(chan struct{})}
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, 5),
		Oracle:   oracle,
		Loader:   quotacfg.NewLoader(quotacfg.StaticSource{{Principal: 10, Tenant: 5, Limit: 10000}}),
		Interval: time.Minute,
	})

	s.Start()
	select {
	case <-oracle.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ownership resolution to begin")
	}

	// Stop arrives while the cycle is stalled inside the oracle call.
	s.Stop()

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, uint64(1), s.Status().Cycles)
	assert.Nil(t, s.LastError())
	assert.False(t, oracle.canceled.Load(), "stop must not cancel in-flight resolution")

	usage, ok := l.Usage(10, 5)
	require.True(t, ok, "the finishing cycle still charges the relation")
	assert.Equal(t, int64(100), usage.Total)
	assert.Equal(t, int64(10000), usage.Quota)
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	s := NewScheduler(Config{
		Tenant:  5,
		Ledger:  ledger.New(16),
		Scanner: fsindex.NewScanner(memfs.New(), 5),
	})

	s.Stop()
	assert.Equal(t, StateTerminated, s.State())

	// A stopped scheduler never starts.
	s.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), s.Status().Cycles)
}

func TestScheduler_ReloadAdoptsInterval(t *testing.T) {
	var reloads atomic.Int32
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   ledger.New(16),
		Scanner:  fsindex.NewScanner(memfs.New(), 5),
		Interval: time.Minute,
		OnReload: func() (time.Duration, bool) {
			reloads.Add(1)
			return 20 * time.Millisecond, true
		},
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	s.Reload()

	// The reload is honored at the idle point and followed by a fresh
	// cycle; the shortened interval then keeps cycles coming.
	waitForCycles(t, s, 3, 2*time.Second)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestScheduler_OracleFailureDegrades(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 1000)

	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   5,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, 5),
		Oracle:   failingOracle{err: assert.AnError},
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	assert.Error(t, s.LastError())
	assert.Equal(t, 1, s.Status().Pending)

	// Unresolved usage is never charged and never blocks admission.
	_, ok := l.Usage(10, 5)
	assert.False(t, ok)
	assert.True(t, l.IsWithinQuota(10, 5))
}

func TestScheduler_SharedScope(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "global/16385", 800)
	writeUnit(t, fs, "base/5/16400", 1000) // tenant scope, out of reach

	rel := fsindex.RelationID{Space: fsindex.SpaceShared, Tenant: fsindex.SharedTenant, Object: 16385}
	l := ledger.New(16)
	s := NewScheduler(Config{
		Tenant:   fsindex.SharedTenant,
		Ledger:   l,
		Scanner:  fsindex.NewScanner(fs, fsindex.SharedTenant),
		Oracle:   staticOracle{rel: 10},
		Interval: time.Minute,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)

	usage, ok := l.Usage(10, fsindex.SharedTenant)
	require.True(t, ok)
	assert.Equal(t, int64(800), usage.Total)
	assert.Equal(t, 1, s.Status().Files)
}

func TestScheduler_InvalidTransitionRefused(t *testing.T) {
	s := NewScheduler(Config{
		Tenant:  5,
		Ledger:  ledger.New(16),
		Scanner: fsindex.NewScanner(memfs.New(), 5),
	})

	s.transitionTo(StateLoaded)
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_CycleRecordsMetrics(t *testing.T) {
	fs := memfs.New()
	writeUnit(t, fs, "base/5/16400", 1000)

	rel := fsindex.RelationID{Space: fsindex.SpaceDefault, Tenant: 5, Object: 16400}
	m := metrics.InitQuotaMetrics(prometheus.NewRegistry())
	s := NewScheduler(Config{
		Tenant:  5,
		Ledger:  ledger.New(16),
		Scanner: fsindex.NewScanner(fs, 5),
		Oracle:  staticOracle{rel: 10},
		Loader: quotacfg.NewLoader(quotacfg.StaticSource{
			{Principal: 10, Tenant: 5, Limit: 10000},
			{Principal: 11, Tenant: 5, Limit: 20000},
		}),
		Interval: time.Minute,
		Metrics:  m,
	})
	defer s.Stop()

	s.Start()
	waitForCycles(t, s, 1, 2*time.Second)
	waitForState(t, s, StateIdle, 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CyclesTotal.WithLabelValues("5")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FilesTracked.WithLabelValues("5")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RelationsTracked.WithLabelValues("5")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RelationsPending.WithLabelValues("5")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.QuotasLoaded.WithLabelValues("5")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LedgerRows))
}
