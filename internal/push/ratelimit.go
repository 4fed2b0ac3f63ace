package push

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 60 * time.Second
)

type rateEntry struct {
	count   int
	resetAt time.Time
}

// RateLimiter gates per-user outbound delivery volume with a fixed window.
// Windows reset lazily on the first check after expiry, so no background
// task is needed. Slightly bursty at window boundaries, which is fine for
// abuse protection.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateEntry
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: map[string]rateEntry{}}
}

// Allow reports whether userID may send another payload within the current
// window, counting the call against the limit when it does.
func (r *RateLimiter) Allow(userID string, limit int, window time.Duration, now time.Time) bool {
	if limit <= 0 {
		return true
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || now.After(entry.resetAt) {
		r.entries[userID] = rateEntry{
			count:   1,
			resetAt: now.Add(window),
		}
		return true
	}
	if entry.count >= limit {
		return false
	}
	entry.count++
	r.entries[userID] = entry
	return true
}
