// Package config handles configuration loading and validation for diskwarden.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
)

// LedgerConfig holds configuration for the shared accounting table.
type LedgerConfig struct {
	MaxEntries int `yaml:"max_entries"` // Accounting table capacity (default: 1024)
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Disabled  bool   `yaml:"disabled"`   // Do not serve the HTTP API
	Listen    string `yaml:"listen"`     // Listen address (default: ":9735")
	AuthToken string `yaml:"auth_token"` // Bearer token for API access (optional, but recommended)
}

// CatalogConfig holds configuration for relation ownership lookups.
type CatalogConfig struct {
	URL       string            `yaml:"url"`        // Catalog service base URL; empty uses the static owners map
	AuthToken string            `yaml:"auth_token"` // Bearer token for the catalog service
	Owners    map[string]uint32 `yaml:"owners"`     // Static "space/tenant/object" -> owning principal
}

// LokiConfig holds configuration for shipping daemon logs to Grafana Loki.
type LokiConfig struct {
	Enabled       bool   `yaml:"enabled"`        // Ship logs to Loki
	URL           string `yaml:"url"`            // Loki push URL, e.g. "http://loki:3100"
	BatchSize     int    `yaml:"batch_size"`     // Entries per push (default: 100)
	FlushInterval string `yaml:"flush_interval"` // Duration string (default: "5s")
}

// Config holds configuration for the diskwarden daemon.
type Config struct {
	DataDir         string        `yaml:"data_dir"`         // Root of the monitored storage tree
	Tenants         []uint32      `yaml:"tenants"`          // Tenants to account; empty discovers them under base/
	ScanShared      bool          `yaml:"scan_shared"`      // Account the shared scope under global/ too
	RefreshInterval string        `yaml:"refresh_interval"` // Duration string, e.g. "2s"
	QuotaFile       string        `yaml:"quota_file"`       // Quota assignments file (default: <data_dir>/quotas.yaml)
	Socket          string        `yaml:"socket"`           // Control socket path (default: /var/run/diskwarden.sock)
	LogLevel        string        `yaml:"log_level"`        // trace, debug, info, warn, error (default: info)
	Ledger          LedgerConfig  `yaml:"ledger"`
	Server          ServerConfig  `yaml:"server"`
	Catalog         CatalogConfig `yaml:"catalog"`
	Loki            LokiConfig    `yaml:"loki"`
}

// DefaultRefreshInterval is the pause between refresh cycles when the
// configuration does not specify one.
const DefaultRefreshInterval = "2s"

// Load loads daemon configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.RefreshInterval == "" {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Ledger.MaxEntries == 0 {
		cfg.Ledger.MaxEntries = ledger.DefaultMaxEntries
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9735"
	}
	if cfg.Socket == "" {
		cfg.Socket = "/var/run/diskwarden.sock"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	// Expand home directory in paths
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.QuotaFile = expandHome(cfg.QuotaFile)
	cfg.Socket = expandHome(cfg.Socket)
	if cfg.QuotaFile == "" && cfg.DataDir != "" {
		cfg.QuotaFile = filepath.Join(cfg.DataDir, "quotas.yaml")
	}

	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the daemon configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := time.ParseDuration(c.RefreshInterval); err != nil {
		return fmt.Errorf("invalid refresh_interval: %w", err)
	}
	if c.Ledger.MaxEntries < 0 {
		return fmt.Errorf("ledger.max_entries must not be negative")
	}
	for _, tenant := range c.Tenants {
		if tenant == uint32(fsindex.SharedTenant) {
			return fmt.Errorf("tenants must not contain %d; use scan_shared for the shared scope", fsindex.SharedTenant)
		}
	}
	if _, err := c.Catalog.StaticOwners(); err != nil {
		return err
	}
	return nil
}

// ApplyLogLevel sets the global log level from a configured value.
// Returns whether a level was applied; empty or invalid values leave
// the level unchanged.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}

// StaticOwners converts the configured owners map into resolved relation
// identifiers. Keys take the form "space/tenant/object".
func (c *CatalogConfig) StaticOwners() (map[fsindex.RelationID]ledger.PrincipalID, error) {
	if len(c.Owners) == 0 {
		return nil, nil
	}
	owners := make(map[fsindex.RelationID]ledger.PrincipalID, len(c.Owners))
	for key, principal := range c.Owners {
		rel, err := parseRelationKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog owner key %q: %w", key, err)
		}
		owners[rel] = ledger.PrincipalID(principal)
	}
	return owners, nil
}

func parseRelationKey(key string) (fsindex.RelationID, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return fsindex.RelationID{}, fmt.Errorf("want space/tenant/object")
	}
	var ids [3]uint32
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return fsindex.RelationID{}, fmt.Errorf("not a valid identifier: %q", part)
		}
		ids[i] = uint32(v)
	}
	return fsindex.RelationID{
		Space:  ids[0],
		Tenant: ledger.TenantID(ids[1]),
		Object: ids[2],
	}, nil
}
