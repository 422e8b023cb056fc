package fsindex

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/ledger"
)

// Scanner enumerates one tenant's relation files under the storage
// roots and feeds their sizes into a model. It operates on a
// billy.Filesystem rooted at the data directory, so tests run against
// an in-memory tree.
//
// A scanner for the shared scope (SharedTenant) walks only global/;
// scanners for real tenants walk base/<tenant>/ plus
// spaces/<space>/<tenant>/ for every space present.
type Scanner struct {
	fs     billy.Filesystem
	tenant ledger.TenantID
}

// ScanStats summarizes one completed walk.
type ScanStats struct {
	Units   int
	Bytes   int64
	Skipped int
}

// NewScanner creates a scanner for the given tenant over fs.
func NewScanner(fs billy.Filesystem, tenant ledger.TenantID) *Scanner {
	return &Scanner{fs: fs, tenant: tenant}
}

// Scan walks the tenant's storage roots and observes every recognized
// unit into m. Missing roots mean the tenant currently has no storage
// and are not an error; unreadable entries are skipped and counted.
// Scan returns an error only when aborted by ctx, in which case the
// walk is incomplete and the caller must not reclaim stale units.
func (s *Scanner) Scan(ctx context.Context, m *Model) (ScanStats, error) {
	var stats ScanStats
	for _, root := range s.roots() {
		if err := s.walkRoot(ctx, root, m, &stats); err != nil {
			return stats, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return stats, nil
}

// roots returns the walk roots for this scanner's tenant.
func (s *Scanner) roots() []string {
	if s.tenant == SharedTenant {
		return []string{"global"}
	}

	roots := []string{fmt.Sprintf("base/%d", s.tenant)}

	entries, err := s.fs.ReadDir("spaces")
	if err != nil {
		return roots
	}
	for _, e := range entries {
		if !e.IsDir() || !isDigits(e.Name()) {
			continue
		}
		roots = append(roots, fmt.Sprintf("spaces/%s/%d", e.Name(), s.tenant))
	}
	return roots
}

func (s *Scanner) walkRoot(ctx context.Context, root string, m *Model, stats *ScanStats) error {
	return util.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				// Root absent or entry deleted mid-walk.
				return nil
			}
			log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			stats.Skipped++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		key := UnitKey(path)
		rel, ok := ParseUnitKey(key)
		if !ok || rel.Tenant != s.tenant {
			return nil
		}

		m.Observe(key, rel, info.Size())
		stats.Units++
		stats.Bytes += info.Size()
		return nil
	})
}
