// Package metrics provides Prometheus metrics for the diskwarden daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all diskwarden metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// quotaMetricsOnce ensures metrics are only initialized once.
var quotaMetricsOnce sync.Once

// quotaMetricsInstance is the singleton instance of quota metrics.
var quotaMetricsInstance *QuotaMetrics

// QuotaMetrics holds all Prometheus metrics for quota accounting.
type QuotaMetrics struct {
	// Refresh cycle metrics
	CyclesTotal   *prometheus.CounterVec   // diskwarden_refresh_cycles_total{tenant}
	CycleDuration *prometheus.HistogramVec // diskwarden_refresh_cycle_duration_seconds{tenant}
	CycleErrors   *prometheus.CounterVec   // diskwarden_refresh_cycle_errors_total{tenant,step}

	// Model gauges, updated at the end of each cycle
	FilesTracked     *prometheus.GaugeVec   // diskwarden_files_tracked{tenant}
	RelationsTracked *prometheus.GaugeVec   // diskwarden_relations_tracked{tenant}
	RelationsPending *prometheus.GaugeVec   // diskwarden_relations_pending{tenant}
	UnitsReclaimed   *prometheus.CounterVec // diskwarden_units_reclaimed_total{tenant}

	// Accounting table gauges
	LedgerRows     prometheus.Gauge // diskwarden_ledger_rows
	DroppedUpdates prometheus.Gauge // diskwarden_ledger_dropped_updates

	// Admission metrics
	AdmissionsTotal *prometheus.CounterVec // diskwarden_admissions_total{decision}

	// Quota configuration metrics
	QuotasLoaded *prometheus.GaugeVec // diskwarden_quotas_loaded{tenant}

	// Volume capacity gauges, sampled by the VolumeCollector
	VolumeTotalBytes *prometheus.GaugeVec // diskwarden_volume_total_bytes{path}
	VolumeFreeBytes  *prometheus.GaugeVec // diskwarden_volume_free_bytes{path}
	VolumeUsedBytes  *prometheus.GaugeVec // diskwarden_volume_used_bytes{path}
}

// InitQuotaMetrics initializes all quota metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitQuotaMetrics(registry prometheus.Registerer) *QuotaMetrics {
	quotaMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		quotaMetricsInstance = newQuotaMetrics(registry)
	})

	return quotaMetricsInstance
}

func newQuotaMetrics(registry prometheus.Registerer) *QuotaMetrics {
	return &QuotaMetrics{
		CyclesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "diskwarden_refresh_cycles_total",
			Help: "Total refresh cycles completed per tenant",
		}, []string{"tenant"}),

		CycleDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diskwarden_refresh_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),

		CycleErrors: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "diskwarden_refresh_cycle_errors_total",
			Help: "Refresh cycle steps that failed, by tenant and step",
		}, []string{"tenant", "step"}),

		FilesTracked: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_files_tracked",
			Help: "Files tracked by the accounting model",
		}, []string{"tenant"}),

		RelationsTracked: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_relations_tracked",
			Help: "Relations tracked by the accounting model",
		}, []string{"tenant"}),

		RelationsPending: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_relations_pending",
			Help: "Relations awaiting ownership resolution",
		}, []string{"tenant"}),

		UnitsReclaimed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "diskwarden_units_reclaimed_total",
			Help: "Stale storage units reclaimed from the model",
		}, []string{"tenant"}),

		LedgerRows: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "diskwarden_ledger_rows",
			Help: "Rows in the shared accounting table",
		}),

		DroppedUpdates: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "diskwarden_ledger_dropped_updates",
			Help: "Updates dropped because the accounting table was full",
		}),

		AdmissionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "diskwarden_admissions_total",
			Help: "Admission checks by decision",
		}, []string{"decision"}),

		QuotasLoaded: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_quotas_loaded",
			Help: "Quota assignments applied in the last refresh cycle",
		}, []string{"tenant"}),

		VolumeTotalBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_volume_total_bytes",
			Help: "Capacity of the volume holding a monitored path",
		}, []string{"path"}),

		VolumeFreeBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_volume_free_bytes",
			Help: "Bytes available on the volume holding a monitored path",
		}, []string{"path"}),

		VolumeUsedBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "diskwarden_volume_used_bytes",
			Help: "Bytes used on the volume holding a monitored path",
		}, []string{"path"}),
	}
}
