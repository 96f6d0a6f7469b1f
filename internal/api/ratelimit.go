package api

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/galadd/botfleet/internal/fleet"
)

// userLimiter keeps one token bucket per user for the mutating routes.
// A non-positive rate disables limiting.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[fleet.UserID]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limiters: make(map[fleet.UserID]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *userLimiter) get(uid fleet.UserID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[uid]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[uid] = lim
	}
	return lim
}

func (l *userLimiter) Allow(uid fleet.UserID) bool {
	if l.rps <= 0 {
		return true
	}
	return l.get(uid).Allow()
}
