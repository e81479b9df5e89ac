package config

import (
	"strings"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultAPITimeout         = 30 * time.Second
	DefaultAPIMaxRetries      = 2
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultRateBurst          = 10
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultLiveBufferSize     = 256
	DefaultDegradedLatency    = 2 * time.Second
	DefaultPollInterval       = 3 * time.Second
	DefaultPollJitter         = 0.25
	DefaultPollTimeout        = 10 * time.Second
	DefaultPollBufferSize     = 64
	DefaultBaseDelay          = 500 * time.Millisecond
	DefaultMaxDelay           = 30 * time.Second
	DefaultJitterRatio        = 0.2
	DefaultFallbackThreshold  = 3
	DefaultMaxRetries         = 10
	DefaultUpgradeInterval    = 30 * time.Second
	DefaultUpgradeRate        = 2.0
	DefaultUpgradeBurst       = 5
	DefaultStallTimeout       = 60 * time.Second
	DefaultGracePeriod        = 5 * time.Second
	DefaultProtocolErrorLimit = 3
	DefaultProbeInterval      = 30 * time.Second
	DefaultNotifyCapacity     = 5
	DefaultDedupeWindow       = 10 * time.Second
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBufferSize  = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultHealthPort         = 8080
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.WSURL == "" {
		c.API.WSURL = deriveWSURL(c.API.BaseURL)
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultAPIMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}
	if c.API.RateLimit > 0 && c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}

	// Live defaults
	if c.Live.HeartbeatInterval == 0 {
		c.Live.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Live.PingTimeout == 0 {
		c.Live.PingTimeout = DefaultPingTimeout
	}
	if c.Live.WriteTimeout == 0 {
		c.Live.WriteTimeout = DefaultWriteTimeout
	}
	if c.Live.HandshakeTimeout == 0 {
		c.Live.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Live.BufferSize == 0 {
		c.Live.BufferSize = DefaultLiveBufferSize
	}
	if c.Live.DegradedLatency == 0 {
		c.Live.DegradedLatency = DefaultDegradedLatency
	}

	// Polling defaults
	if c.Polling.Interval == 0 {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.Jitter == 0 {
		c.Polling.Jitter = DefaultPollJitter
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = DefaultPollTimeout
	}
	if c.Polling.BufferSize == 0 {
		c.Polling.BufferSize = DefaultPollBufferSize
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.JitterRatio == 0 {
		c.Reconnect.JitterRatio = DefaultJitterRatio
	}
	if c.Reconnect.FallbackThreshold == 0 {
		c.Reconnect.FallbackThreshold = DefaultFallbackThreshold
	}
	if c.Reconnect.MaxRetries == 0 {
		c.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if c.Reconnect.UpgradeInterval == 0 {
		c.Reconnect.UpgradeInterval = DefaultUpgradeInterval
	}
	if c.Reconnect.UpgradeRate == 0 {
		c.Reconnect.UpgradeRate = DefaultUpgradeRate
	}
	if c.Reconnect.UpgradeBurst == 0 {
		c.Reconnect.UpgradeBurst = DefaultUpgradeBurst
	}

	// Session defaults
	if c.Session.StallTimeout == 0 {
		c.Session.StallTimeout = DefaultStallTimeout
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = DefaultGracePeriod
	}
	if c.Session.ProtocolErrorLimit == 0 {
		c.Session.ProtocolErrorLimit = DefaultProtocolErrorLimit
	}
	if c.Session.ProbeInterval == 0 {
		c.Session.ProbeInterval = DefaultProbeInterval
	}

	// Notifications defaults
	if c.Notifications.Capacity == 0 {
		c.Notifications.Capacity = DefaultNotifyCapacity
	}
	if c.Notifications.DedupeWindow == 0 {
		c.Notifications.DedupeWindow = DefaultDedupeWindow
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// deriveWSURL maps http(s)://host to ws(s)://host.
func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return ""
	}
}
