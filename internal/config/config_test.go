package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/painvault/pkg/kv"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, kv.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Vault.AutoLock)
	assert.Equal(t, 8, cfg.Vault.KeyHistory)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, []string{"entries"}, cfg.Sync.Tables)
	assert.False(t, cfg.SyncEnabled())
	assert.Equal(t, filepath.Join(dir, "audit"), cfg.AuditDir())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
storage:
  backend: bolt
vault:
  auto_lock: 0s
sync:
  remote_url: https://example.test/api
  tables: [entries, meds]
log:
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(yaml), 0600))
	t.Setenv("PAINVAULT_SYNC_MAX_RETRIES", "9")
	t.Setenv("PAINVAULT_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, kv.BackendBolt, cfg.Storage.Backend)
	assert.Zero(t, cfg.Vault.AutoLock)
	assert.True(t, cfg.SyncEnabled())
	assert.Equal(t, []string{"entries", "meds"}, cfg.Sync.Tables)
	assert.Equal(t, 9, cfg.Sync.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PAINVAULT_DIR", dir)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("storage: [unclosed"), 0600))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"cache size", func(c *Config) { c.Storage.CacheSize = 0 }},
		{"negative auto lock", func(c *Config) { c.Vault.AutoLock = -time.Second }},
		{"key history", func(c *Config) { c.Vault.KeyHistory = 0 }},
		{"kdf", func(c *Config) { c.Vault.KDF.Time = 0 }},
		{"remote url scheme", func(c *Config) { c.Sync.RemoteURL = "ftp://example.test" }},
		{"max retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"delays", func(c *Config) { c.Sync.MaxDelay = time.Millisecond }},
		{"jitter", func(c *Config) { c.Sync.Jitter = 1.5 }},
		{"reserved table", func(c *Config) { c.Sync.Tables = []string{"_sync_base"} }},
		{"bad table", func(c *Config) { c.Insight.Tables = []string{"Bad-Name"} }},
		{"log level", func(c *Config) { c.Log.Level = "trace" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
