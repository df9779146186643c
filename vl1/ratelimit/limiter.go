// Package ratelimit implements a fixed-window counter per key.
package ratelimit

import (
	"sync"
	"sync/atomic"
)

// Limiter allows at most Max events per key in each window of ticks. Windows
// are rotated lazily on Allow. A nil *Limiter allows everything.
type Limiter[K comparable] struct {
	mu          sync.Mutex
	current     map[K]*atomic.Int64
	windowStart int64
	windowSize  int64
	max         int64

	rejected atomic.Int64
}

// Config configures a Limiter.
type Config struct {
	Max    int   // events per key per window (0 = disabled)
	Window int64 // window size in ticks (default 10000)
}

// New creates a limiter. Returns nil if disabled (Max <= 0).
func New[K comparable](cfg Config) *Limiter[K] {
	if cfg.Max <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = 10000
	}
	return &Limiter[K]{
		current:    make(map[K]*atomic.Int64),
		windowSize: cfg.Window,
		max:        int64(cfg.Max),
	}
}

// Allow records an event for key at now and reports whether it is within the limit.
func (l *Limiter[K]) Allow(key K, now int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if now-l.windowStart >= l.windowSize {
		l.current = make(map[K]*atomic.Int64)
		l.windowStart = now
	}
	counter, exists := l.current[key]
	if !exists {
		counter = &atomic.Int64{}
		l.current[key] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.max {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of rejected events.
func (l *Limiter[K]) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// ActiveKeys returns the number of distinct keys in the current window.
func (l *Limiter[K]) ActiveKeys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
