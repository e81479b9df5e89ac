package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("api.base_url is not a valid URL: %q", c.API.BaseURL)
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}

	if c.Live.BufferSize < 1 {
		return errors.New("live.buffer_size must be >= 1")
	}
	if c.Live.PingTimeout < 2*c.Live.HeartbeatInterval {
		return fmt.Errorf("live.ping_timeout (%s) must be at least twice live.heartbeat_interval (%s)",
			c.Live.PingTimeout, c.Live.HeartbeatInterval)
	}

	if c.Polling.Interval <= 0 {
		return errors.New("polling.interval must be > 0")
	}
	if c.Polling.Jitter < 0 || c.Polling.Jitter >= 1 {
		return fmt.Errorf("polling.jitter must be in [0, 1), got %v", c.Polling.Jitter)
	}
	if c.Polling.BufferSize < 1 {
		return errors.New("polling.buffer_size must be >= 1")
	}

	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay (%s) cannot exceed reconnect.max_delay (%s)",
			c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.JitterRatio < 0 || c.Reconnect.JitterRatio >= 1 {
		return fmt.Errorf("reconnect.jitter_ratio must be in [0, 1), got %v", c.Reconnect.JitterRatio)
	}
	if c.Reconnect.FallbackThreshold < 1 {
		return errors.New("reconnect.fallback_threshold must be >= 1")
	}
	if c.Reconnect.MaxRetries < c.Reconnect.FallbackThreshold {
		return fmt.Errorf("reconnect.max_retries (%d) cannot be below reconnect.fallback_threshold (%d)",
			c.Reconnect.MaxRetries, c.Reconnect.FallbackThreshold)
	}
	if c.Reconnect.UpgradeRate < 0 {
		return errors.New("reconnect.upgrade_rate must be >= 0")
	}

	if c.Session.ProtocolErrorLimit < 1 {
		return errors.New("session.protocol_error_limit must be >= 1")
	}

	if c.Notifications.Capacity < 1 {
		return errors.New("notifications.capacity must be >= 1")
	}

	if c.Journal.Enabled {
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
