package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/volume"
)

// VolumeProber reports capacity for one filesystem path.
type VolumeProber interface {
	Probe(path string) (volume.Snapshot, error)
}

// ProberFunc adapts a plain probe function to the VolumeProber interface.
type ProberFunc func(path string) (volume.Snapshot, error)

func (f ProberFunc) Probe(path string) (volume.Snapshot, error) {
	return f(path)
}

// VolumeCollector periodically samples capacity of the monitored storage
// roots and exports the numbers as gauges.
type VolumeCollector struct {
	metrics *QuotaMetrics
	prober  VolumeProber
	paths   []string
}

// NewVolumeCollector creates a collector that samples the given paths.
func NewVolumeCollector(m *QuotaMetrics, prober VolumeProber, paths []string) *VolumeCollector {
	return &VolumeCollector{
		metrics: m,
		prober:  prober,
		paths:   paths,
	}
}

// Collect updates the volume gauges from the current state.
func (c *VolumeCollector) Collect() {
	if c.prober == nil {
		return
	}

	for _, path := range c.paths {
		snap, err := c.prober.Probe(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Volume probe failed")
			continue
		}
		c.metrics.VolumeTotalBytes.WithLabelValues(path).Set(float64(snap.TotalBytes))
		c.metrics.VolumeFreeBytes.WithLabelValues(path).Set(float64(snap.AvailableBytes))
		c.metrics.VolumeUsedBytes.WithLabelValues(path).Set(float64(snap.UsedBytes))
	}
}

// Run starts periodic metric collection.
func (c *VolumeCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
