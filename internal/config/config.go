package config

import "time"

// Config is the root configuration for a querymon instance.
type Config struct {
	API           APIConfig           `yaml:"api"`
	Live          LiveConfig          `yaml:"live"`
	Polling       PollingConfig       `yaml:"polling"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Session       SessionConfig       `yaml:"session"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Journal       JournalConfig       `yaml:"journal"`
	Health        HealthConfig        `yaml:"health"`
}

// APIConfig holds query API settings.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"` // REST base, e.g. https://host
	WSURL        string        `yaml:"ws_url"`   // WebSocket base, derived from base_url when empty
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second across sessions, 0 = unlimited
	RateBurst    int           `yaml:"rate_burst"`
}

// LiveConfig holds WebSocket transport settings.
type LiveConfig struct {
	Enabled           *bool         `yaml:"enabled"` // Defaults to true
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	DegradedLatency   time.Duration `yaml:"degraded_latency"`
}

// IsEnabled reports whether live transports should be attempted.
func (c LiveConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PollingConfig holds HTTP poll transport settings.
type PollingConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Jitter     float64       `yaml:"jitter"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

// ReconnectConfig holds backoff, fallback and upgrade settings.
type ReconnectConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	JitterRatio       float64       `yaml:"jitter_ratio"`
	FallbackThreshold int           `yaml:"fallback_threshold"`
	MaxRetries        int           `yaml:"max_retries"`
	UpgradeInterval   time.Duration `yaml:"upgrade_interval"`
	UpgradeRate       float64       `yaml:"upgrade_rate"` // Attempts per second across sessions
	UpgradeBurst      int           `yaml:"upgrade_burst"`
}

// SessionConfig holds per-session timing.
type SessionConfig struct {
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	ProtocolErrorLimit int           `yaml:"protocol_error_limit"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
}

// NotificationsConfig holds notification queue settings.
type NotificationsConfig struct {
	Capacity     int           `yaml:"capacity"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// JournalConfig holds the optional event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health HTTP server settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
