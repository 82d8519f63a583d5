package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters holds one token bucket per caller identity, created lazily.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      int
}

// NewLimiters creates a per-identity limiter set allowing rps requests per
// second with a two-second burst.
func NewLimiters(rps int) *Limiters {
	if rps <= 0 {
		rps = 10
	}
	return &Limiters{limiters: make(map[string]*rate.Limiter), rps: rps}
}

// Allow reports whether identity may make a request now.
func (l *Limiters) Allow(identity string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[identity]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.rps*2)
		l.limiters[identity] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
