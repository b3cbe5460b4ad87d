package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles provider calls per key, e.g. "provider:mailgun".
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

// Key builds the limiter key shared by every caller of one provider.
func Key(providerName string) string {
	return "provider:" + strings.ToLower(strings.TrimSpace(providerName))
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

// LocalRateLimiter is a per-process token bucket per key.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   float64
	burst    int
}

func NewLocalRateLimiter(perSec float64, burst int) *LocalRateLimiter {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = max(int(perSec), 1)
	}
	return &LocalRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   perSec,
		burst:    burst,
	}
}

func (l *LocalRateLimiter) limiter(key string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[normalized]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSec), l.burst)
		l.limiters[normalized] = lim
	}
	return lim, nil
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	lim, err := l.limiter(key)
	if err != nil {
		return false, err
	}
	return lim.Allow(), nil
}

func (l *LocalRateLimiter) Wait(ctx context.Context, key string) error {
	lim, err := l.limiter(key)
	if err != nil {
		return err
	}
	return lim.Wait(ctx)
}
