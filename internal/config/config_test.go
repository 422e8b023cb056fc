package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: "/srv/warden/data"
tenants: [5, 7]
scan_shared: true
refresh_interval: "5s"
log_level: "debug"
ledger:
  max_entries: 64
server:
  listen: ":9000"
  auth_token: "test-token-123"
catalog:
  url: "http://localhost:8080"
  auth_token: "catalog-token"
`
	configPath := testutil.TempFile(t, dir, "diskwarden.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/warden/data", cfg.DataDir)
	assert.Equal(t, []uint32{5, 7}, cfg.Tenants)
	assert.True(t, cfg.ScanShared)
	assert.Equal(t, "5s", cfg.RefreshInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 64, cfg.Ledger.MaxEntries)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "test-token-123", cfg.Server.AuthToken)
	assert.Equal(t, "http://localhost:8080", cfg.Catalog.URL)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	// Minimal config with only required fields
	content := `
data_dir: "/srv/warden/data"
`
	configPath := testutil.TempFile(t, dir, "diskwarden.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "2s", cfg.RefreshInterval)
	assert.Equal(t, ledger.DefaultMaxEntries, cfg.Ledger.MaxEntries)
	assert.Equal(t, ":9735", cfg.Server.Listen)
	assert.Equal(t, "/var/run/diskwarden.sock", cfg.Socket)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/srv/warden/data/quotas.yaml", cfg.QuotaFile)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "diskwarden.yaml", "data_dir: [unclosed")

	_, err := Load(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		DataDir:         "/srv/warden/data",
		RefreshInterval: "2s",
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingDataDir(t *testing.T) {
	cfg := &Config{RefreshInterval: "2s"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir")
}

func TestValidate_BadRefreshInterval(t *testing.T) {
	cfg := &Config{
		DataDir:         "/srv/warden/data",
		RefreshInterval: "every other thursday",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh_interval")
}

func TestValidate_ReservedTenant(t *testing.T) {
	cfg := &Config{
		DataDir:         "/srv/warden/data",
		RefreshInterval: "2s",
		Tenants:         []uint32{5, 0},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan_shared")
}

func TestValidate_NegativeLedgerCapacity(t *testing.T) {
	cfg := &Config{
		DataDir:         "/srv/warden/data",
		RefreshInterval: "2s",
		Ledger:          LedgerConfig{MaxEntries: -1},
	}
	assert.Error(t, cfg.Validate())
}

func TestStaticOwners(t *testing.T) {
	cat := &CatalogConfig{
		Owners: map[string]uint32{
			"1/5/16400": 10,
			"0/0/16385": 11,
		},
	}

	owners, err := cat.StaticOwners()
	require.NoError(t, err)
	require.Len(t, owners, 2)

	rel := fsindex.RelationID{Space: 1, Tenant: 5, Object: 16400}
	assert.Equal(t, ledger.PrincipalID(10), owners[rel])

	shared := fsindex.RelationID{Space: 0, Tenant: 0, Object: 16385}
	assert.Equal(t, ledger.PrincipalID(11), owners[shared])
}

func TestStaticOwners_BadKey(t *testing.T) {
	cat := &CatalogConfig{
		Owners: map[string]uint32{"5/16400": 10},
	}
	_, err := cat.StaticOwners()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner key")
}

func TestStaticOwners_Empty(t *testing.T) {
	cat := &CatalogConfig{}
	owners, err := cat.StaticOwners()
	require.NoError(t, err)
	assert.Nil(t, owners)
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{
			name:          "empty level",
			level:         "",
			expectApplied: false,
		},
		{
			name:          "trace level",
			level:         "trace",
			expectApplied: true,
			expectLevel:   zerolog.TraceLevel,
		},
		{
			name:          "debug level",
			level:         "debug",
			expectApplied: true,
			expectLevel:   zerolog.DebugLevel,
		},
		{
			name:          "warn level",
			level:         "warn",
			expectApplied: true,
			expectLevel:   zerolog.WarnLevel,
		},
		{
			name:          "invalid level",
			level:         "loudest",
			expectApplied: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
