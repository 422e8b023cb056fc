// Package quotacfg loads quota assignments from the configuration
// store and applies them to the shared ledger.
package quotacfg

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/pkg/bytesize"
)

// Assignment is one desired quota row.
type Assignment struct {
	Principal ledger.PrincipalID
	Tenant    ledger.TenantID
	Limit     int64 // bytes, or ledger.QuotaUnset for no limit
}

// Source yields the desired quota assignments.
type Source interface {
	Load(ctx context.Context) ([]Assignment, error)
}

// Limit is a quota byte limit in the quota file. It unmarshals from a
// byte count, a size string ("500MB"), or -1 / "unlimited" for no
// limit.
type Limit int64

// UnmarshalYAML implements yaml.Unmarshaler for Limit.
func (l *Limit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*l = Limit(i)
		return nil
	}

	var s string
	if err := unmarshal(&s); err == nil {
		if strings.EqualFold(s, "unlimited") {
			*l = Limit(ledger.QuotaUnset)
			return nil
		}
		bytes, err := bytesize.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", s, err)
		}
		*l = Limit(bytes)
		return nil
	}

	return fmt.Errorf("limit must be a byte count, a size string, or \"unlimited\"")
}

type fileRow struct {
	Principal uint32 `yaml:"principal"`
	Tenant    uint32 `yaml:"tenant"`
	Limit     *Limit `yaml:"limit"`
}

type fileDoc struct {
	Quotas []fileRow `yaml:"quotas"`
}

// FileSource reads quota assignments from a YAML file:
//
//	quotas:
//	  - principal: 10
//	    tenant: 5
//	    limit: 500MB
//
// An absent limit means no limit. A missing file is an empty
// assignment set, not an error.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the file this source reads from.
func (s *FileSource) Path() string {
	return s.path
}

// Load reads and parses the quota file.
func (s *FileSource) Load(_ context.Context) ([]Assignment, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read quota file: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse quota file: %w", err)
	}

	out := make([]Assignment, 0, len(doc.Quotas))
	for _, row := range doc.Quotas {
		limit := ledger.QuotaUnset
		if row.Limit != nil {
			limit = int64(*row.Limit)
		}
		out = append(out, Assignment{
			Principal: ledger.PrincipalID(row.Principal),
			Tenant:    ledger.TenantID(row.Tenant),
			Limit:     limit,
		})
	}
	return out, nil
}

// StaticSource serves a fixed assignment list, for tests.
type StaticSource []Assignment

// Load returns the fixed assignments.
func (s StaticSource) Load(context.Context) ([]Assignment, error) {
	return s, nil
}
