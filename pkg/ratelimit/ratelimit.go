// Package ratelimit provides the per-key sliding-window limiter guarding
// order intake and admin endpoints.
package ratelimit

import (
	"sync"
	"time"

	"github.com/eigendark/offchain/pkg/util"
)

// Limiter counts requests per key over a sliding window. A non-positive limit
// disables the limiter entirely: that is an explicit opt-out, not a bug.
type Limiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	entries   map[string][]time.Time
	clock     util.Clock
	lastSweep time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		entries: map[string][]time.Time{},
		clock:   util.RealClock{},
	}
}

// WithClock swaps the time source for tests.
func (l *Limiter) WithClock(clock util.Clock) *Limiter {
	l.clock = clock
	return l
}

// Allow records a request for key and reports whether it fits in the window.
// A denied request mutates nothing beyond the counter itself.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	if now.Sub(l.lastSweep) >= l.window {
		for k, stamps := range l.entries {
			if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	stamps := l.entries[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}
