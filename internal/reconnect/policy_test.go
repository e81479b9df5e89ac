package reconnect

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rickgao/querywatch/internal/model"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "not found" }
func (permanentErr) Permanent() bool { return true }

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func TestPolicy_BaseDelay(t *testing.T) {
	p := New(DefaultConfig(), fixed(0.5))

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.BaseDelay(tt.retry); got != tt.want {
			t.Errorf("BaseDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestPolicy_DelayNonDecreasingUntilCap(t *testing.T) {
	cfg := DefaultConfig()
	low := New(cfg, fixed(0))      // -20%
	high := New(cfg, fixed(0.999)) // ~+20%

	for retry := 0; retry < 12; retry++ {
		// Worst case: this retry drew the maximum jitter, the next the minimum.
		cur := high.Delay(retry)
		next := low.Delay(retry + 1)
		if low.BaseDelay(retry) < cfg.MaxDelay && next < cur {
			t.Errorf("Delay(%d)=%v > Delay(%d)=%v", retry, cur, retry+1, next)
		}
	}
}

func TestPolicy_DelayNeverExceedsMax(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg, nil)

	for retry := 0; retry < 100; retry++ {
		if d := p.Delay(retry); d > cfg.MaxDelay || d < 0 {
			t.Fatalf("Delay(%d) = %v, want within [0, %v]", retry, d, cfg.MaxDelay)
		}
	}
}

func TestPolicy_Next(t *testing.T) {
	p := New(DefaultConfig(), fixed(0.5))
	transient := errors.New("connection refused")

	tests := []struct {
		name         string
		retry        int
		mode         model.Mode
		history      []error
		wantFallback bool
		wantGiveUp   bool
	}{
		{"first live failure", 1, model.ModeLive, []error{transient}, false, false},
		{"below threshold", 2, model.ModeLive, []error{transient, transient}, false, false},
		{"threshold reached", 3, model.ModeLive, []error{transient, transient, transient}, true, false},
		{"polling never falls back", 5, model.ModePolling, []error{transient}, false, false},
		{"live unsupported", 1, model.ModeLive, []error{fmt.Errorf("dial: %w", ErrLiveUnsupported)}, true, false},
		{"max retries", 10, model.ModePolling, []error{transient}, false, true},
		{"permanent live error falls back", 1, model.ModeLive, []error{fmt.Errorf("dial: %w", permanentErr{})}, true, false},
		{"permanent poll error", 1, model.ModePolling, []error{fmt.Errorf("poll: %w", permanentErr{})}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Next(tt.retry, tt.mode, tt.history)
			if d.ShouldFallback != tt.wantFallback {
				t.Errorf("ShouldFallback = %v, want %v", d.ShouldFallback, tt.wantFallback)
			}
			if d.GiveUp != tt.wantGiveUp {
				t.Errorf("GiveUp = %v, want %v", d.GiveUp, tt.wantGiveUp)
			}
			if d.Delay <= 0 {
				t.Errorf("Delay = %v, want > 0", d.Delay)
			}
		})
	}
}
