// Package config provides TOML configuration loading for the console core.
// The configuration file lives at ~/.pilonas/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/pilonas/console/internal/errors"
)

// Config represents the configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// ServerURL is the origin of the Device Control Service, e.g.
	// https://pilonas.example.com. The push channel endpoint and all
	// bulk-read endpoints are derived from it.
	ServerURL string `toml:"server_url"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// StorePath is the SQLite database holding the persisted session identity.
	// Default: ~/.pilonas/console.db
	StorePath string `toml:"store_path"`

	// MetricsAddr, when set, exposes Prometheus metrics on host:port/metrics.
	MetricsAddr string `toml:"metrics_addr"`

	// TLSCAFile trusts a private CA (or a self-signed certificate) for https
	// and wss origins.
	TLSCAFile string `toml:"tls_ca_file"`

	// TLSFingerprint pins the SHA-256 fingerprint of the service certificate.
	TLSFingerprint string `toml:"tls_fingerprint"`

	Realtime RealtimeConfig `toml:"realtime"`
	Cache    CacheConfig    `toml:"cache"`
	Backend  BackendConfig  `toml:"backend"`
}

// RealtimeConfig tunes the push-channel connection manager.
type RealtimeConfig struct {
	// Path is appended to the origin to build the channel endpoint.
	// Default: /ws
	Path string `toml:"path"`

	// BackoffFloorMs is the first reconnect delay. Default: 1000
	BackoffFloorMs int `toml:"backoff_floor_ms"`

	// BackoffCeilingMs caps the reconnect delay. Default: 30000
	BackoffCeilingMs int `toml:"backoff_ceiling_ms"`

	// MaxAttempts is the number of consecutive failed attempts after which
	// the connection is reported as failed. Default: 10
	MaxAttempts int `toml:"max_attempts"`

	// RecoveryDelayMs is the delay before the single automatic recovery
	// attempt scheduled after MaxAttempts is reached. Default: 10000
	RecoveryDelayMs int `toml:"recovery_delay_ms"`

	// HeartbeatMs is the heartbeat interval while connected. Default: 25000
	HeartbeatMs int `toml:"heartbeat_ms"`

	// DialTimeoutMs bounds a single connect attempt. Default: 20000
	DialTimeoutMs int `toml:"dial_timeout_ms"`

	// ReadTimeoutMs is the transport idle timeout; any inbound frame or pong
	// extends it. Default: 60000
	ReadTimeoutMs int `toml:"read_timeout_ms"`
}

// CacheConfig holds per-collection TTLs and the initial population budget.
type CacheConfig struct {
	DevicesTTLMs  int `toml:"devices_ttl_ms"`
	ZonesTTLMs    int `toml:"zones_ttl_ms"`
	UsersTTLMs    int `toml:"users_ttl_ms"`
	InitTimeoutMs int `toml:"init_timeout_ms"`
}

// BackendConfig describes the bulk-read and test-mode endpoints.
type BackendConfig struct {
	DevicesPath  string `toml:"devices_path"`
	ZonesPath    string `toml:"zones_path"`
	UsersPath    string `toml:"users_path"`
	TestModePath string `toml:"test_mode_path"`

	// RequestsPerSecond and Burst shape outbound HTTP so a slow backend is
	// not hit by request storms. Default: 20 / 10
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`

	// HTTPTimeoutMs is the transport-level timeout of one request.
	// Default: 30000
	HTTPTimeoutMs int `toml:"http_timeout_ms"`
}

// DefaultConfigPath returns the default config file location: ~/.pilonas/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pilonas", "config.toml"), nil
}

// DefaultStorePath returns ~/.pilonas/console.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pilonas", "console.db"), nil
}

// WriteDefault creates a config file pointing at serverURL.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, serverURL string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Pilonas console configuration

# Origin of the Device Control Service
server_url = %q

log_level = "info"

[realtime]
backoff_floor_ms = %d
backoff_ceiling_ms = %d
max_attempts = %d
heartbeat_ms = %d

[cache]
devices_ttl_ms = %d
init_timeout_ms = %d
`, serverURL,
		DefaultBackoffFloorMs, DefaultBackoffCeilingMs, DefaultMaxAttempts, DefaultHeartbeatMs,
		DefaultTTLMs, DefaultInitTimeoutMs)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
// Defaults are not applied; call ApplyDefaults after merging CLI flags.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.pilonas/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.CodeConfigNotFound, fmt.Sprintf("config file not found: %s", path))
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigParseFailed, fmt.Sprintf("failed to parse config file %s", path), err)
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with the reference policy.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.StorePath == "" {
		if p, err := DefaultStorePath(); err == nil {
			c.StorePath = p
		}
	}

	r := &c.Realtime
	setDefault(&r.BackoffFloorMs, DefaultBackoffFloorMs)
	setDefault(&r.BackoffCeilingMs, DefaultBackoffCeilingMs)
	setDefault(&r.MaxAttempts, DefaultMaxAttempts)
	setDefault(&r.RecoveryDelayMs, DefaultRecoveryDelayMs)
	setDefault(&r.HeartbeatMs, DefaultHeartbeatMs)
	setDefault(&r.DialTimeoutMs, DefaultDialTimeoutMs)
	setDefault(&r.ReadTimeoutMs, DefaultReadTimeoutMs)
	if r.Path == "" {
		r.Path = DefaultChannelPath
	}

	setDefault(&c.Cache.DevicesTTLMs, DefaultTTLMs)
	setDefault(&c.Cache.ZonesTTLMs, DefaultTTLMs)
	setDefault(&c.Cache.UsersTTLMs, DefaultTTLMs)
	setDefault(&c.Cache.InitTimeoutMs, DefaultInitTimeoutMs)

	b := &c.Backend
	if b.DevicesPath == "" {
		b.DevicesPath = DefaultDevicesPath
	}
	if b.ZonesPath == "" {
		b.ZonesPath = DefaultZonesPath
	}
	if b.UsersPath == "" {
		b.UsersPath = DefaultUsersPath
	}
	if b.TestModePath == "" {
		b.TestModePath = DefaultTestModePath
	}
	if b.RequestsPerSecond == 0 {
		b.RequestsPerSecond = DefaultRequestsPerSecond
	}
	setDefault(&b.Burst, DefaultBurst)
	setDefault(&b.HTTPTimeoutMs, DefaultHTTPTimeoutMs)
}

func setDefault(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

// Validate reports the first inconsistent value as a config.invalid error.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return apperrors.InvalidConfig("server_url", "is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return apperrors.InvalidConfig("server_url", fmt.Sprintf("%q is not an absolute URL", c.ServerURL))
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return apperrors.InvalidConfig("server_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.InvalidConfig("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}

	r := c.Realtime
	if r.BackoffFloorMs <= 0 || r.BackoffCeilingMs <= 0 {
		return apperrors.InvalidConfig("realtime.backoff", "floor and ceiling must be positive")
	}
	if r.BackoffFloorMs > r.BackoffCeilingMs {
		return apperrors.InvalidConfig("realtime.backoff", "floor exceeds ceiling")
	}
	if r.MaxAttempts <= 0 {
		return apperrors.InvalidConfig("realtime.max_attempts", "must be positive")
	}
	if r.HeartbeatMs <= 0 || r.DialTimeoutMs <= 0 || r.ReadTimeoutMs <= 0 {
		return apperrors.InvalidConfig("realtime", "timeouts must be positive")
	}

	if c.Cache.DevicesTTLMs < 0 || c.Cache.ZonesTTLMs < 0 || c.Cache.UsersTTLMs < 0 {
		return apperrors.InvalidConfig("cache", "ttl cannot be negative")
	}
	if c.Backend.RequestsPerSecond < 0 || c.Backend.Burst <= 0 {
		return apperrors.InvalidConfig("backend", "rate limit must be positive")
	}
	return nil
}

// Duration helpers; the file stores milliseconds like the rest of the config.

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r RealtimeConfig) BackoffFloor() time.Duration   { return ms(r.BackoffFloorMs) }
func (r RealtimeConfig) BackoffCeiling() time.Duration { return ms(r.BackoffCeilingMs) }
func (r RealtimeConfig) RecoveryDelay() time.Duration  { return ms(r.RecoveryDelayMs) }
func (r RealtimeConfig) Heartbeat() time.Duration      { return ms(r.HeartbeatMs) }
func (r RealtimeConfig) DialTimeout() time.Duration    { return ms(r.DialTimeoutMs) }
func (r RealtimeConfig) ReadTimeout() time.Duration    { return ms(r.ReadTimeoutMs) }

func (c CacheConfig) DevicesTTL() time.Duration  { return ms(c.DevicesTTLMs) }
func (c CacheConfig) ZonesTTL() time.Duration    { return ms(c.ZonesTTLMs) }
func (c CacheConfig) UsersTTL() time.Duration    { return ms(c.UsersTTLMs) }
func (c CacheConfig) InitTimeout() time.Duration { return ms(c.InitTimeoutMs) }

func (b BackendConfig) HTTPTimeout() time.Duration { return ms(b.HTTPTimeoutMs) }
