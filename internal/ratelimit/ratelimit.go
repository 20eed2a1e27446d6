package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter guards outbound API calls with a per-provider budget. Allow is
// non-blocking: callers must record an exhausted budget as a rate_limited
// provider result instead of retrying.
//
// The budget travels with each call so that limiter state survives provider
// configuration reloads; only the counters live here.
type Limiter interface {
	Allow(ctx context.Context, providerID string, perMinute int) bool
}

type window struct {
	start time.Time
	count int
}

// FixedWindow is a process-local fixed-window counter keyed by provider.
// Windows roll over on wall-clock minute boundaries.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

// NewFixedWindow builds an in-memory limiter.
func NewFixedWindow() *FixedWindow {
	return &FixedWindow{windows: make(map[string]window), now: time.Now}
}

// Allow consumes one token from the provider's current minute window. A
// non-positive budget disables limiting for that provider.
func (f *FixedWindow) Allow(_ context.Context, providerID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	current := f.now().Truncate(time.Minute)
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.windows[providerID]
	if !w.start.Equal(current) {
		w = window{start: current}
	}
	if w.count >= perMinute {
		f.windows[providerID] = w
		return false
	}
	w.count++
	f.windows[providerID] = w
	return true
}
