package monitor

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/querywatch/internal/reconnect"
)

// Config holds session and manager settings.
type Config struct {
	Reconnect reconnect.Config

	OpenTimeout        time.Duration // Max time for a transport to open
	StallTimeout       time.Duration // Silence before forcing a reconnect
	GracePeriod        time.Duration // Delay between terminal frame and removal
	ProtocolErrorLimit int           // Consecutive malformed frames before failing
	ProbeInterval      time.Duration // Health probe interval, 0 disables
	DegradedLatency    time.Duration // Round trip above which live is degraded, 0 disables
	HistorySize        int           // Retained transport errors

	// Background live upgrade while polling.
	UpgradeInterval time.Duration
	UpgradeRate     rate.Limit // Upgrade attempts per second across all sessions
	UpgradeBurst    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:          reconnect.DefaultConfig(),
		OpenTimeout:        15 * time.Second,
		StallTimeout:       60 * time.Second,
		GracePeriod:        5 * time.Second,
		ProtocolErrorLimit: 3,
		ProbeInterval:      30 * time.Second,
		DegradedLatency:    2 * time.Second,
		HistorySize:        10,
		UpgradeInterval:    30 * time.Second,
		UpgradeRate:        rate.Limit(2),
		UpgradeBurst:       5,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Reconnect == (reconnect.Config{}) {
		c.Reconnect = d.Reconnect
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.ProtocolErrorLimit < 1 {
		c.ProtocolErrorLimit = d.ProtocolErrorLimit
	}
	if c.HistorySize < 1 {
		c.HistorySize = d.HistorySize
	}
	if c.UpgradeInterval <= 0 {
		c.UpgradeInterval = d.UpgradeInterval
	}
	if c.UpgradeRate <= 0 {
		c.UpgradeRate = d.UpgradeRate
	}
	if c.UpgradeBurst < 1 {
		c.UpgradeBurst = d.UpgradeBurst
	}
	return c
}
