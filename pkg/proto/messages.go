// Package proto defines shared wire messages for diskwarden.
package proto

// UsageRow is one accounting row in status and report output. Quota is
// nil when the principal has no configured limit.
type UsageRow struct {
	Principal uint32 `json:"principal"`
	Tenant    uint32 `json:"tenant"`
	Total     int64  `json:"total"`
	Quota     *int64 `json:"quota,omitempty"`
}

// NewUsageRow builds a row, mapping a negative quota to "no limit".
func NewUsageRow(principal, tenant uint32, total, quota int64) UsageRow {
	row := UsageRow{Principal: principal, Tenant: tenant, Total: total}
	if quota >= 0 {
		row.Quota = &quota
	}
	return row
}

// SchedulerStatus describes one tenant's refresh worker.
type SchedulerStatus struct {
	Tenant      uint32 `json:"tenant"`
	State       string `json:"state"`
	Files       int    `json:"files"`
	Relations   int    `json:"relations"`
	Pending     int    `json:"pending"`
	Cycles      uint64 `json:"cycles"`
	LastCycleID string `json:"last_cycle_id,omitempty"`
	LastCycleMS int64  `json:"last_cycle_ms"`
	LastError   string `json:"last_error,omitempty"`
}

// VolumeStatus reports capacity of one storage volume.
type VolumeStatus struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// StatusResponse is the full daemon status.
type StatusResponse struct {
	Version        string            `json:"version"`
	UptimeSecs     int64             `json:"uptime_secs"`
	Usage          []UsageRow        `json:"usage"`
	Schedulers     []SchedulerStatus `json:"schedulers"`
	LedgerRows     int               `json:"ledger_rows"`
	LedgerMax      int               `json:"ledger_max"`
	DroppedUpdates uint64            `json:"dropped_updates"`
	Volumes        []VolumeStatus    `json:"volumes,omitempty"`
}

// AdmissionRequest asks whether a principal may keep writing in a
// tenant.
type AdmissionRequest struct {
	Principal uint32 `json:"principal"`
	Tenant    uint32 `json:"tenant"`
}

// AdmissionResponse is the gate's answer. Total and Quota reflect the
// ledger row the decision was made from; Quota is nil when no limit is
// configured.
type AdmissionResponse struct {
	Admitted bool   `json:"admitted"`
	Total    int64  `json:"total"`
	Quota    *int64 `json:"quota,omitempty"`
}

// OwnerResponse is the catalog service's answer to an ownership query.
type OwnerResponse struct {
	Owner uint32 `json:"owner"`
}

// RefreshRequest asks refresh workers to run a cycle now. A nil Tenant
// wakes all of them.
type RefreshRequest struct {
	Tenant *uint32 `json:"tenant,omitempty"`
}

// RefreshResponse reports how many workers were woken.
type RefreshResponse struct {
	Woken int `json:"woken"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
