package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter hands out a token bucket per user. The key is the user ID only,
// not user:session, so rotating tab IDs does not bypass throttling.
type rateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	window    time.Duration
	users     map[string]*userLimit
	lastSweep time.Time
	now       func() time.Time
}

type userLimit struct {
	lim  *rate.Limiter
	seen time.Time
}

// newRateLimiter allows n requests per window, refilling evenly.
func newRateLimiter(n int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  rate.Every(window / time.Duration(n)),
		burst:  n,
		window: window,
		users:  make(map[string]*userLimit),
		now:    time.Now,
	}
}

// Allow consumes one token for key.
func (r *rateLimiter) Allow(key string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// A user idle for a full window has a full bucket again, so dropping
	// the entry loses nothing.
	if now.Sub(r.lastSweep) > r.window {
		for k, u := range r.users {
			if now.Sub(u.seen) > r.window {
				delete(r.users, k)
			}
		}
		r.lastSweep = now
	}

	u, ok := r.users[key]
	if !ok {
		u = &userLimit{lim: rate.NewLimiter(r.limit, r.burst)}
		r.users[key] = u
	}
	u.seen = now
	return u.lim.AllowN(now, 1)
}
