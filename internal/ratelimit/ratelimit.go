// Package ratelimit enforces the per-tenant create-rate cap on instance
// admission, backed by golang.org/x/time/rate's token bucket.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config carries the token bucket parameters. Zero values fall back to the
// defaults below.
type Config struct {
	Rate  rate.Limit // tokens added per second
	Burst int        // bucket capacity
}

const (
	defaultRate  = 1
	defaultBurst = 10
)

// Limiter rate-limits instance creation per tenant. The system tenant and
// rescheduled requests bypass it entirely.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New constructs a Limiter. A zero Config uses the default 10-burst,
// 1-per-second bucket.
func New(cfg Config) *Limiter {
	if cfg.Rate == 0 {
		cfg.Rate = defaultRate
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultBurst
	}
	return &Limiter{cfg: cfg, buckets: map[string]*rate.Limiter{}}
}

// Allow reports whether tenantID may create another instance right now,
// consuming a token if so. bypass callers (system tenant, reschedules)
// should not call this at all.
func (l *Limiter) Allow(tenantID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)
		l.buckets[tenantID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
