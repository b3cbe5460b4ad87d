package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalRateLimiterAllowRespectsBurst(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, Key("mailgun"))
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, Key("mailgun"))
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("third call should be rejected")
	}

	allowed, err = limiter.Allow(ctx, Key("ses"))
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("other keys have their own bucket")
	}
}

func TestLocalRateLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(0.1, 1)
	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "k"); err == nil {
		t.Fatal("Wait() should fail when the next token is beyond the deadline")
	}
}

func TestLocalRateLimiterRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewLocalRateLimiter(5, 5).Allow(context.Background(), " ")
	if err == nil {
		t.Fatal("Allow() expected error for empty key")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	if got := Key(" Mailgun "); got != "provider:mailgun" {
		t.Fatalf("Key() = %q", got)
	}
}
