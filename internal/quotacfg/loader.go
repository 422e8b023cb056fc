package quotacfg

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/ledger"
)

// Loader applies desired quota assignments to the ledger.
type Loader struct {
	src Source
}

// NewLoader creates a loader reading from src.
func NewLoader(src Source) *Loader {
	return &Loader{src: src}
}

// Apply loads the assignments and applies those of the given tenant,
// returning the number applied. A principal absent from the
// assignments keeps its previous quota; clearing takes an explicit
// "unlimited" row. Limits below ledger.QuotaUnset are invalid and are
// skipped with a warning rather than stored.
func (ld *Loader) Apply(ctx context.Context, lg *ledger.Ledger, tenant ledger.TenantID) (int, error) {
	assignments, err := ld.src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load quota assignments: %w", err)
	}

	applied := 0
	for _, a := range assignments {
		if a.Tenant != tenant {
			continue
		}
		if a.Limit < ledger.QuotaUnset {
			log.Warn().
				Uint32("principal", uint32(a.Principal)).
				Uint32("tenant", uint32(a.Tenant)).
				Int64("limit", a.Limit).
				Msg("Ignoring negative quota limit")
			continue
		}
		if err := lg.SetQuota(a.Principal, a.Tenant, a.Limit); err != nil {
			// Counted and logged by the ledger
			continue
		}
		applied++
	}
	return applied, nil
}
