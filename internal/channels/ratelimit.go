package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating chat ids.
	maxTrackedKeys = 4096

	// DefaultRateLimitWindow is the sliding window duration.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultRateLimitMax is the max events per key within a window.
	DefaultRateLimitMax = 60
)

// SlidingWindowLimiter counts events per key over a trailing time window.
// Expired timestamps are pruned lazily from the front of each key's window
// on access — there is no background sweep. Safe for concurrent use.
type SlidingWindowLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewSlidingWindowLimiter creates an empty limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Allow reports whether the key is within the default limits and records the
// event when it is.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	return l.AllowN(key, DefaultRateLimitWindow, DefaultRateLimitMax)
}

// AllowN is Allow with a per-call window and limit, for per-config overrides.
func (l *SlidingWindowLimiter) AllowN(key string, window time.Duration, limit int) bool {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if limit <= 0 {
		limit = DefaultRateLimitMax
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	win := l.hits[key]
	// Drop expired timestamps from the front.
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	win = win[i:]

	if len(win) >= limit {
		l.hits[key] = win
		return false
	}

	if len(l.hits) >= maxTrackedKeys {
		l.evictStaleLocked(cutoff)
	}

	l.hits[key] = append(win, now)
	return true
}

// evictStaleLocked drops keys whose windows are fully expired; if still at
// the cap, evicts arbitrary keys until below it.
func (l *SlidingWindowLimiter) evictStaleLocked(cutoff time.Time) {
	for k, win := range l.hits {
		if len(win) == 0 || !win[len(win)-1].After(cutoff) {
			delete(l.hits, k)
		}
	}
	for len(l.hits) >= maxTrackedKeys {
		for k := range l.hits {
			delete(l.hits, k)
			break
		}
	}
}
