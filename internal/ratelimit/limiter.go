// Package ratelimit throttles provider calls with a token bucket per tenant and channel.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ERPlora/module-messaging/internal/config"
)

type key struct {
	tenant  string
	channel string
}

// Limiter holds one token bucket per (tenant, channel). Bucket parameters come
// from the tenant's settings, falling back to the configured defaults, and are
// adjusted in place when the settings change.
type Limiter struct {
	defaults map[string]config.RateLimitConfig

	mu      sync.Mutex
	buckets map[key]*rate.Limiter

	// OnWait is called with the time a caller spent waiting for a token
	OnWait func(channel string, waited time.Duration)
}

// NewLimiter creates a limiter with per-channel defaults
func NewLimiter(defaults map[string]config.RateLimitConfig) *Limiter {
	return &Limiter{
		defaults: defaults,
		buckets:  make(map[key]*rate.Limiter),
	}
}

func limitFor(rl config.RateLimitConfig) (rate.Limit, int) {
	if rl.PerSecond <= 0 {
		return rate.Inf, 0
	}
	burst := rl.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(rl.PerSecond), burst
}

func (l *Limiter) bucket(tenant, channel string, settings *config.MessagingSettings) *rate.Limiter {
	limit, burst := limitFor(settings.RateLimit(channel, l.defaults))
	k := key{tenant: tenant, channel: channel}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[k]
	if !ok {
		b = rate.NewLimiter(limit, burst)
		l.buckets[k] = b
		return b
	}
	if b.Limit() != limit {
		b.SetLimit(limit)
	}
	if b.Burst() != burst {
		b.SetBurst(burst)
	}
	return b
}

// Wait blocks until a token is available for tenant's channel or ctx is done
func (l *Limiter) Wait(ctx context.Context, tenant, channel string, settings *config.MessagingSettings) error {
	b := l.bucket(tenant, channel, settings)

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s/%s: %w", tenant, channel, err)
	}

	if waited := time.Since(start); waited > time.Millisecond && l.OnWait != nil {
		l.OnWait(channel, waited)
	}
	return nil
}

// allow reports whether a token is available now, consuming it if so
func (l *Limiter) allow(tenant, channel string, settings *config.MessagingSettings) bool {
	return l.bucket(tenant, channel, settings).Allow()
}
