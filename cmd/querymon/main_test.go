package main

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/querywatch/internal/config"
)

func testFileConfig() *config.Config {
	off := false
	return &config.Config{
		API: config.APIConfig{
			BaseURL: "https://queries.example.com",
			WSURL:   "wss://queries.example.com",
			APIKey:  "secret",
		},
		Live: config.LiveConfig{
			Enabled:           &off,
			HeartbeatInterval: 10 * time.Second,
			PingTimeout:       30 * time.Second,
			HandshakeTimeout:  4 * time.Second,
			BufferSize:        32,
			DegradedLatency:   750 * time.Millisecond,
		},
		Polling: config.PollingConfig{
			Interval:   2 * time.Second,
			Jitter:     0.1,
			Timeout:    5 * time.Second,
			BufferSize: 8,
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay:         time.Second,
			MaxDelay:          20 * time.Second,
			JitterRatio:       0.3,
			FallbackThreshold: 2,
			MaxRetries:        6,
			UpgradeInterval:   45 * time.Second,
			UpgradeRate:       0.5,
			UpgradeBurst:      3,
		},
		Session: config.SessionConfig{
			StallTimeout:       90 * time.Second,
			GracePeriod:        2 * time.Second,
			ProtocolErrorLimit: 4,
			ProbeInterval:      time.Minute,
		},
	}
}

func TestFactoryConfig(t *testing.T) {
	fc := factoryConfig(testFileConfig())

	if fc.LiveEnabled {
		t.Error("LiveEnabled = true, want false")
	}
	if fc.Live.BaseURL != "wss://queries.example.com" {
		t.Errorf("Live.BaseURL = %s", fc.Live.BaseURL)
	}
	if fc.Live.APIKey != "secret" {
		t.Errorf("Live.APIKey = %s, want secret", fc.Live.APIKey)
	}
	if fc.Live.HandshakeTimeout != 4*time.Second || fc.Live.BufferSize != 32 {
		t.Errorf("Live = %+v", fc.Live)
	}
	if fc.Poll.Interval != 2*time.Second || fc.Poll.Jitter != 0.1 || fc.Poll.BufferSize != 8 {
		t.Errorf("Poll = %+v", fc.Poll)
	}
}

func TestMonitorConfig(t *testing.T) {
	mc := monitorConfig(testFileConfig())

	if mc.Reconnect.FallbackThreshold != 2 || mc.Reconnect.MaxRetries != 6 {
		t.Errorf("Reconnect = %+v", mc.Reconnect)
	}
	if mc.Reconnect.BaseDelay != time.Second || mc.Reconnect.MaxDelay != 20*time.Second {
		t.Errorf("Reconnect delays = %+v", mc.Reconnect)
	}
	if mc.StallTimeout != 90*time.Second || mc.GracePeriod != 2*time.Second {
		t.Errorf("session timing = %v / %v", mc.StallTimeout, mc.GracePeriod)
	}
	if mc.ProtocolErrorLimit != 4 || mc.ProbeInterval != time.Minute {
		t.Errorf("ProtocolErrorLimit = %d, ProbeInterval = %v", mc.ProtocolErrorLimit, mc.ProbeInterval)
	}
	if mc.DegradedLatency != 750*time.Millisecond {
		t.Errorf("DegradedLatency = %v", mc.DegradedLatency)
	}
	if mc.UpgradeRate != rate.Limit(0.5) || mc.UpgradeBurst != 3 || mc.UpgradeInterval != 45*time.Second {
		t.Errorf("upgrade = %v/%d/%v", mc.UpgradeRate, mc.UpgradeBurst, mc.UpgradeInterval)
	}
	if mc.OpenTimeout <= 0 || mc.HistorySize <= 0 {
		t.Error("defaults not carried for OpenTimeout/HistorySize")
	}
}
