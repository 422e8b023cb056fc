// Package volume reports filesystem capacity for monitored data directories.
package volume

// Snapshot is a point-in-time view of a volume's capacity.
type Snapshot struct {
	Path           string `json:"path"`
	TotalBytes     int64  `json:"total_bytes"`
	UsedBytes      int64  `json:"used_bytes"`
	AvailableBytes int64  `json:"available_bytes"`
}

// Probe returns the capacity of the volume holding path.
func Probe(path string) (Snapshot, error) {
	total, used, available, err := volumeStats(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Path:           path,
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
	}, nil
}
