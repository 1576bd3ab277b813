package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the limiter map so rotating source addresses
// cannot exhaust memory.
const maxTrackedKeys = 4096

// RateLimiter bounds connection attempts per source key.
//
//	rpm > 0  enabled at that rate
//	rpm <= 0 disabled
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a per-key limiter.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether the key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedKeys {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}
