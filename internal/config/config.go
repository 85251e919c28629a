// Package config provides application configuration management.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/storage"
)

// FileName is the optional config file inside the data directory.
const FileName = "config.yaml"

// EnvPrefix prefixes every environment override, e.g. PAINVAULT_SYNC_REMOTE_URL.
const EnvPrefix = "PAINVAULT"

// Config holds all application configuration.
type Config struct {
	Dir     string
	Storage StorageConfig
	Vault   VaultConfig
	Sync    SyncConfig
	Insight InsightConfig
	Log     LogConfig
	Diag    DiagConfig
}

// StorageConfig holds durable tier and cache settings.
type StorageConfig struct {
	Backend      kv.Backend
	CacheSize    int
	CacheTTL     time.Duration
	PageSize     int
	MaxBytes     int64
	MinFreeBytes uint64
}

// VaultConfig holds key management settings.
type VaultConfig struct {
	AutoLock   time.Duration // 0 disables
	KeyHistory int
	KDF        crypto.KDFParams
}

// SyncConfig holds remote authority and queue settings.
type SyncConfig struct {
	RemoteURL  string
	Token      string
	Timeout    time.Duration
	Interval   time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	Tables     []string
}

// InsightConfig holds insight processor settings.
type InsightConfig struct {
	Tables    []string
	TimeField string
	Yield     time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// DiagConfig holds the diagnostics server settings.
type DiagConfig struct {
	Addr            string
	MetricsInterval time.Duration
}

// DefaultDir returns ~/.painvault, or ./.painvault when there is no home
// directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".painvault"
	}
	return filepath.Join(home, ".painvault")
}

// Load reads configuration for the data directory dir. An empty dir falls
// back to PAINVAULT_DIR and then DefaultDir. Values come from, in order of
// precedence, PAINVAULT_* environment variables, <dir>/config.yaml and the
// defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir == "" {
		dir = v.GetString("dir")
	}
	if dir == "" {
		dir = DefaultDir()
	}

	v.SetConfigFile(filepath.Join(dir, FileName))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", FileName, err)
		}
	}

	cfg := &Config{Dir: dir}

	cfg.Storage = StorageConfig{
		Backend:      kv.Backend(v.GetString("storage.backend")),
		CacheSize:    v.GetInt("storage.cache_size"),
		CacheTTL:     v.GetDuration("storage.cache_ttl"),
		PageSize:     v.GetInt("storage.page_size"),
		MaxBytes:     v.GetInt64("storage.max_bytes"),
		MinFreeBytes: v.GetUint64("storage.min_free_bytes"),
	}

	cfg.Vault = VaultConfig{
		AutoLock:   v.GetDuration("vault.auto_lock"),
		KeyHistory: v.GetInt("vault.key_history"),
		KDF: crypto.KDFParams{
			Memory:  v.GetUint32("vault.kdf.memory"),
			Time:    v.GetUint32("vault.kdf.time"),
			Threads: uint8(v.GetUint("vault.kdf.threads")),
		},
	}

	cfg.Sync = SyncConfig{
		RemoteURL:  v.GetString("sync.remote_url"),
		Token:      v.GetString("sync.token"),
		Timeout:    v.GetDuration("sync.timeout"),
		Interval:   v.GetDuration("sync.interval"),
		MaxRetries: v.GetInt("sync.max_retries"),
		BaseDelay:  v.GetDuration("sync.base_delay"),
		MaxDelay:   v.GetDuration("sync.max_delay"),
		Jitter:     v.GetFloat64("sync.jitter"),
		Tables:     v.GetStringSlice("sync.tables"),
	}

	cfg.Insight = InsightConfig{
		Tables:    v.GetStringSlice("insight.tables"),
		TimeField: v.GetString("insight.time_field"),
		Yield:     v.GetDuration("insight.yield"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	cfg.Diag = DiagConfig{
		Addr:            v.GetString("diag.addr"),
		MetricsInterval: v.GetDuration("diag.metrics_interval"),
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", "")

	// Storage defaults
	v.SetDefault("storage.backend", string(kv.BackendSQLite))
	v.SetDefault("storage.cache_size", storage.DefaultCacheSize)
	v.SetDefault("storage.cache_ttl", storage.DefaultCacheTTL)
	v.SetDefault("storage.page_size", storage.DefaultPageSize)
	v.SetDefault("storage.max_bytes", 0)
	v.SetDefault("storage.min_free_bytes", 10*1024*1024) // 10MB

	// Vault defaults
	v.SetDefault("vault.auto_lock", 15*time.Minute)
	v.SetDefault("vault.key_history", 8)
	v.SetDefault("vault.kdf.memory", crypto.Argon2Memory)
	v.SetDefault("vault.kdf.time", crypto.Argon2Time)
	v.SetDefault("vault.kdf.threads", crypto.Argon2Threads)

	// Sync defaults
	v.SetDefault("sync.remote_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.base_delay", time.Second)
	v.SetDefault("sync.max_delay", 5*time.Minute)
	v.SetDefault("sync.jitter", 0.2)
	v.SetDefault("sync.tables", []string{"entries"})

	// Insight defaults
	v.SetDefault("insight.tables", []string{"entries"})
	v.SetDefault("insight.time_field", "recorded_at")
	v.SetDefault("insight.yield", 250*time.Millisecond)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Diagnostics defaults
	v.SetDefault("diag.addr", "127.0.0.1:7788")
	v.SetDefault("diag.metrics_interval", 30*time.Second)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("config: data directory is required")
	}

	switch c.Storage.Backend {
	case kv.BackendSQLite, kv.BackendBolt:
	default:
		return fmt.Errorf("config: storage.backend must be sqlite or bolt, got %q", c.Storage.Backend)
	}
	if c.Storage.CacheSize <= 0 || c.Storage.PageSize <= 0 {
		return fmt.Errorf("config: storage.cache_size and storage.page_size must be positive")
	}
	if c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("config: storage.cache_ttl must be positive")
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("config: storage.max_bytes cannot be negative")
	}

	if c.Vault.AutoLock < 0 {
		return fmt.Errorf("config: vault.auto_lock cannot be negative (use 0 to disable)")
	}
	if c.Vault.KeyHistory < 1 {
		return fmt.Errorf("config: vault.key_history must be at least 1")
	}
	if err := c.Vault.KDF.Validate(); err != nil {
		return fmt.Errorf("config: vault.kdf: %w", err)
	}

	if c.Sync.RemoteURL != "" {
		u, err := url.Parse(c.Sync.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: sync.remote_url must be an http(s) URL, got %q", c.Sync.RemoteURL)
		}
	}
	if c.Sync.Interval <= 0 || c.Sync.Timeout <= 0 {
		return fmt.Errorf("config: sync.interval and sync.timeout must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("config: sync.max_retries must be at least 1")
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("config: sync.base_delay must be positive and not above sync.max_delay")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return fmt.Errorf("config: sync.jitter must be between 0 and 1")
	}
	for _, t := range slices.Concat(c.Sync.Tables, c.Insight.Tables) {
		if err := storage.ValidateTable(t); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if strings.HasPrefix(t, "_") {
			return fmt.Errorf("config: %w: %q", storage.ErrReservedTable, t)
		}
	}
	if c.Insight.TimeField == "" {
		return fmt.Errorf("config: insight.time_field is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// SyncEnabled reports whether a remote authority is configured.
func (c *Config) SyncEnabled() bool {
	return c.Sync.RemoteURL != ""
}

// PolicyDir is where merge-policy.yaml is looked up.
func (c *Config) PolicyDir() string {
	return c.Dir
}

// AuditDir is where the audit log is written.
func (c *Config) AuditDir() string {
	return filepath.Join(c.Dir, "audit")
}
