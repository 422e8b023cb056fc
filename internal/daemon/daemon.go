// Package daemon assembles the accounting subsystem: the shared ledger,
// one refresh scheduler per tenant, quota file watching, the control
// socket, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/api"
	"github.com/diskwarden/diskwarden/internal/catalog"
	"github.com/diskwarden/diskwarden/internal/config"
	"github.com/diskwarden/diskwarden/internal/control"
	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/internal/metrics"
	"github.com/diskwarden/diskwarden/internal/quotacfg"
	"github.com/diskwarden/diskwarden/internal/refresh"
	"github.com/diskwarden/diskwarden/internal/volume"
	"github.com/diskwarden/diskwarden/pkg/proto"
)

// Daemon owns every long-running component of one diskwarden process.
// It satisfies control.Backend, so the control socket and the HTTP API
// answer from the same ledger.
type Daemon struct {
	cfg     *config.Config
	version string
	started time.Time

	ledger      *ledger.Ledger
	group       *refresh.Group
	control     *control.Server
	api         *api.Server
	watcher     *quotacfg.Watcher
	quota       *metrics.QuotaMetrics
	collectStop context.CancelFunc

	mu       sync.RWMutex
	interval time.Duration
}

// New builds a daemon from validated configuration. Tenants are taken
// from the configuration, or discovered under base/ when none are
// listed. Tenants created after startup are picked up on restart.
func New(cfg *config.Config, version string) (*Daemon, error) {
	interval := refresh.DefaultInterval
	if cfg.RefreshInterval != "" {
		var err error
		interval, err = time.ParseDuration(cfg.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid refresh_interval: %w", err)
		}
	}

	d := &Daemon{
		cfg:      cfg,
		version:  version,
		started:  time.Now(),
		ledger:   ledger.New(cfg.Ledger.MaxEntries),
		group:    refresh.NewGroup(),
		quota:    metrics.InitQuotaMetrics(nil),
		interval: interval,
	}

	fs := osfs.New(cfg.DataDir)
	oracle, err := buildOracle(cfg)
	if err != nil {
		return nil, err
	}
	loader := quotacfg.NewLoader(quotacfg.NewFileSource(cfg.QuotaFile))

	tenants := make([]ledger.TenantID, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants = append(tenants, ledger.TenantID(t))
	}
	if len(tenants) == 0 {
		tenants = discoverTenants(fs)
		log.Info().Int("tenants", len(tenants)).Msg("Discovered tenants under base/")
	}
	if cfg.ScanShared {
		tenants = append(tenants, fsindex.SharedTenant)
	}
	if len(tenants) == 0 {
		log.Warn().Str("data_dir", cfg.DataDir).Msg("No tenants to account")
	}

	for _, tenant := range tenants {
		d.group.Add(refresh.NewScheduler(refresh.Config{
			Tenant:   tenant,
			Ledger:   d.ledger,
			Scanner:  fsindex.NewScanner(fs, tenant),
			Oracle:   oracle,
			Loader:   loader,
			Interval: interval,
			OnReload: d.reloadInterval,
			Metrics:  d.quota,
		}))
	}

	d.control = control.NewServer(cfg.Socket, d)
	if !cfg.Server.Disabled {
		d.api = api.NewServer(cfg.Server, d)
		d.api.SetMetrics(d.quota)
	}

	return d, nil
}

// buildOracle picks the ownership source: the catalog service when a URL
// is configured, otherwise the static owners table. With neither,
// relations stay pending and usage is never charged to principals.
func buildOracle(cfg *config.Config) (fsindex.Oracle, error) {
	if cfg.Catalog.URL != "" {
		return catalog.NewHTTPOracle(cfg.Catalog.URL, cfg.Catalog.AuthToken), nil
	}

	owners, err := cfg.Catalog.StaticOwners()
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		log.Warn().Msg("No catalog configured, relation ownership cannot be resolved")
		return nil, nil
	}
	return catalog.NewStaticOracle(owners), nil
}

// discoverTenants lists the tenant directories under base/.
func discoverTenants(fs billy.Filesystem) []ledger.TenantID {
	entries, err := fs.ReadDir("base")
	if err != nil {
		return nil
	}

	var tenants []ledger.TenantID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil || ledger.TenantID(id) == fsindex.SharedTenant {
			continue
		}
		tenants = append(tenants, ledger.TenantID(id))
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })
	return tenants
}

// Start launches the schedulers, the quota file watcher, the control
// socket, and the HTTP API.
func (d *Daemon) Start() error {
	d.group.Start()

	w, err := quotacfg.NewWatcher(d.cfg.QuotaFile, func() { d.group.Wake(nil) })
	if err != nil {
		// Quota edits then wait out the refresh interval.
		log.Warn().Err(err).Str("path", d.cfg.QuotaFile).Msg("Quota file watching unavailable")
	} else {
		d.watcher = w
		go func() {
			if err := w.Run(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Quota file watcher stopped")
			}
		}()
	}

	collector := metrics.NewVolumeCollector(d.quota, metrics.ProberFunc(volume.Probe), []string{d.cfg.DataDir})
	collectCtx, collectCancel := context.WithCancel(context.Background())
	d.collectStop = collectCancel
	go collector.Run(collectCtx, 30*time.Second)

	if err := d.control.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return fmt.Errorf("start API server: %w", err)
		}
	}

	log.Info().
		Str("data_dir", d.cfg.DataDir).
		Int("schedulers", d.group.Len()).
		Dur("interval", d.currentInterval()).
		Msg("Daemon started")
	return nil
}

// Stop shuts everything down. In-flight refresh cycles run to
// completion before their schedulers terminate.
func (d *Daemon) Stop() {
	if d.api != nil {
		if err := d.api.Stop(); err != nil {
			log.Warn().Err(err).Msg("API server shutdown failed")
		}
	}
	d.control.Stop()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.collectStop != nil {
		d.collectStop()
	}
	d.group.Stop()
	log.Info().Msg("Daemon stopped")
}

// Reload applies a re-read configuration. Only refresh_interval takes
// effect at runtime; schedulers adopt it at their next idle point and
// then run a cycle.
func (d *Daemon) Reload(cfg *config.Config) {
	interval, err := time.ParseDuration(cfg.RefreshInterval)
	if err != nil {
		log.Warn().Err(err).Str("refresh_interval", cfg.RefreshInterval).Msg("Ignoring reloaded refresh_interval")
		return
	}

	d.mu.Lock()
	d.interval = interval
	d.mu.Unlock()

	log.Info().Dur("interval", interval).Msg("Configuration reloaded")
	d.group.Reload()
}

func (d *Daemon) currentInterval() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.interval
}

func (d *Daemon) reloadInterval() (time.Duration, bool) {
	return d.currentInterval(), true
}

// Status implements control.Backend.
func (d *Daemon) Status() proto.StatusResponse {
	snapshot := d.ledger.Snapshot()
	usage := make([]proto.UsageRow, 0, len(snapshot))
	for key, entry := range snapshot {
		usage = append(usage, proto.NewUsageRow(uint32(key.Principal), uint32(key.Tenant), entry.Total, entry.Quota))
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Tenant != usage[j].Tenant {
			return usage[i].Tenant < usage[j].Tenant
		}
		return usage[i].Principal < usage[j].Principal
	})

	schedulers := make([]proto.SchedulerStatus, 0, d.group.Len())
	for _, st := range d.group.Status() {
		s := proto.SchedulerStatus{
			Tenant:      uint32(st.Tenant),
			State:       st.State.String(),
			Files:       st.Files,
			Relations:   st.Relations,
			Pending:     st.Pending,
			Cycles:      st.Cycles,
			LastCycleID: st.LastCycleID,
			LastCycleMS: st.LastCycleDur.Milliseconds(),
		}
		if st.LastError != nil {
			s.LastError = st.LastError.Error()
		}
		schedulers = append(schedulers, s)
	}

	resp := proto.StatusResponse{
		Version:        d.version,
		UptimeSecs:     int64(time.Since(d.started).Seconds()),
		Usage:          usage,
		Schedulers:     schedulers,
		LedgerRows:     d.ledger.Len(),
		LedgerMax:      d.ledger.MaxEntries(),
		DroppedUpdates: d.ledger.DroppedUpdates(),
	}

	if snap, err := volume.Probe(d.cfg.DataDir); err == nil {
		resp.Volumes = append(resp.Volumes, proto.VolumeStatus{
			Path:       snap.Path,
			TotalBytes: uint64(snap.TotalBytes),
			FreeBytes:  uint64(snap.AvailableBytes),
			UsedBytes:  uint64(snap.UsedBytes),
		})
	} else {
		log.Debug().Err(err).Str("path", d.cfg.DataDir).Msg("Volume probe failed")
	}

	return resp
}

// Check implements control.Backend. It answers from the current ledger
// row and fails open for unknown principals.
func (d *Daemon) Check(principal ledger.PrincipalID, tenant ledger.TenantID) proto.AdmissionResponse {
	resp := proto.AdmissionResponse{
		Admitted: d.ledger.IsWithinQuota(principal, tenant),
	}
	if entry, ok := d.ledger.Usage(principal, tenant); ok {
		resp.Total = entry.Total
		if entry.Quota >= 0 {
			quota := entry.Quota
			resp.Quota = &quota
		}
	}
	return resp
}

// Refresh implements control.Backend.
func (d *Daemon) Refresh(tenant *ledger.TenantID) int {
	return d.group.Wake(tenant)
}
