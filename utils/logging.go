package utils

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
)

// ThrottledLogger emits at most one warning per distinct key per window.
// Sensor streams hit the same failure many times a second; one line a second
// is enough to see it.
type ThrottledLogger struct {
	mu     sync.Mutex
	logger golog.Logger
	clk    clock.Clock
	window time.Duration
	last   map[string]time.Time
}

// NewThrottledLogger wraps a logger with a per-key rate limit. A nil clk uses
// the wall clock.
func NewThrottledLogger(logger golog.Logger, clk clock.Clock, window time.Duration) *ThrottledLogger {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = time.Second
	}
	return &ThrottledLogger{
		logger: logger,
		clk:    clk,
		window: window,
		last:   map[string]time.Time{},
	}
}

// Warnf logs the formatted message unless a message with the same key was
// logged within the window.
func (tl *ThrottledLogger) Warnf(key, format string, args ...interface{}) {
	tl.mu.Lock()
	now := tl.clk.Now()
	if prev, ok := tl.last[key]; ok && now.Sub(prev) < tl.window {
		tl.mu.Unlock()
		return
	}
	tl.last[key] = now
	tl.mu.Unlock()
	tl.logger.Warnf(format, args...)
}
