package store

import (
	"sync"
	"time"
)

// RateLimiter bounds progress writes per account over a rolling window.
// Writes beyond the budget are dropped with a retry-after hint rather
// than queued.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	m      sync.Mutex
	writes map[string][]time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		writes: map[string][]time.Time{},
	}
}

// Allow records one write attempt. When the budget is exhausted it
// returns false and how long the account should wait before the next
// write can succeed.
func (rl *RateLimiter) Allow(accountID string) (time.Duration, bool) {
	rl.m.Lock()
	defer rl.m.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.writes[accountID][:0]
	for _, t := range rl.writes[accountID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.max {
		rl.writes[accountID] = recent
		retryAfter := recent[0].Add(rl.window).Sub(now)
		return retryAfter, false
	}

	rl.writes[accountID] = append(recent, now)
	return 0, true
}
