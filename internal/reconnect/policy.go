// Package reconnect computes backoff delays and fallback decisions for
// monitoring sessions. It has no side effects beyond drawing jitter.
package reconnect

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rickgao/querywatch/internal/model"
)

// ErrLiveUnsupported signals that the live transport cannot be used at all,
// so the session should fall back without waiting for the threshold.
var ErrLiveUnsupported = errors.New("live transport unsupported")

// Config holds policy parameters.
type Config struct {
	BaseDelay         time.Duration // Delay for the first retry
	MaxDelay          time.Duration // Upper bound for any delay
	JitterRatio       float64       // Symmetric jitter, 0.2 = ±20%
	FallbackThreshold int           // Consecutive live failures before polling
	MaxRetries        int           // Consecutive failures before giving up
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		JitterRatio:       0.2,
		FallbackThreshold: 3,
		MaxRetries:        10,
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Delay          time.Duration
	ShouldFallback bool
	GiveUp         bool
}

// Policy evaluates retry decisions.
type Policy struct {
	cfg   Config
	float func() float64
}

// New creates a Policy. A nil source uses math/rand/v2.
func New(cfg Config, source func() float64) Policy {
	if source == nil {
		source = rand.Float64
	}
	return Policy{cfg: cfg, float: source}
}

// Next decides what to do after the retryCount-th consecutive failure.
// history holds the failures that led here, oldest first.
func (p Policy) Next(retryCount int, mode model.Mode, history []error) Decision {
	var last error
	if len(history) > 0 {
		last = history[len(history)-1]
	}

	d := Decision{
		Delay: p.Delay(retryCount),
	}

	if retryCount >= p.cfg.MaxRetries {
		d.GiveUp = true
		return d
	}

	// A live endpoint that rejects us outright is unavailable, polling
	// may still work. Anywhere else a permanent error ends the session.
	if mode == model.ModeLive {
		if retryCount >= p.cfg.FallbackThreshold || errors.Is(last, ErrLiveUnsupported) || IsPermanent(last) {
			d.ShouldFallback = true
		}
		return d
	}

	if IsPermanent(last) {
		d.GiveUp = true
	}
	return d
}

// BaseDelay returns the un-jittered delay for retryCount.
func (p Policy) BaseDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay for retryCount, never above MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	base := p.BaseDelay(retryCount)

	// jitter in [-ratio, +ratio)
	jitter := (p.float()*2 - 1) * p.cfg.JitterRatio
	delay := time.Duration(float64(base) * (1 + jitter))

	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// permanent is implemented by errors that retrying cannot fix.
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or any error it wraps, is marked permanent.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
