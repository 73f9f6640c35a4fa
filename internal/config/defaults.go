package config

// Reference policy values.
const (
	DefaultLogLevel = "info"

	DefaultChannelPath      = "/ws"
	DefaultBackoffFloorMs   = 1000
	DefaultBackoffCeilingMs = 30000
	DefaultMaxAttempts      = 10
	DefaultRecoveryDelayMs  = 10000
	DefaultHeartbeatMs      = 25000
	DefaultDialTimeoutMs    = 20000
	DefaultReadTimeoutMs    = 60000

	// DefaultTTLMs applies to devices, zones and users alike.
	DefaultTTLMs         = 300000
	DefaultInitTimeoutMs = 10000

	DefaultDevicesPath       = "/api/devices"
	DefaultZonesPath         = "/api/zones"
	DefaultUsersPath         = "/api/users"
	DefaultTestModePath      = "/api/devices/test-mode"
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 10
	DefaultHTTPTimeoutMs     = 30000
)

// Default returns a Config with every field at its reference value except
// ServerURL, which has no sensible default.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
