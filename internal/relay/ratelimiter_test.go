package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	if limiter != nil {
		t.Fatal("expected nil limiter when rate is 0")
	}
	if err := limiter.Wait(context.Background(), -1001); err != nil {
		t.Fatalf("nil limiter must not block: %v", err)
	}
	limiter.Close()
}

func TestRateLimiterPerDestinationBurst(t *testing.T) {
	limiter := NewRateLimiter(100, 2)
	defer limiter.Close()

	for i := 0; i < 2; i++ {
		if err := limiter.Wait(context.Background(), -1001); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}

	// 其他目标频道有自己的令牌桶
	if err := limiter.Wait(context.Background(), -1002); err != nil {
		t.Fatalf("other destination should not be throttled: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, -1001); err == nil {
		t.Fatal("expected third send to the same destination to be throttled")
	}
}

func TestRateLimiterCloseInterruptsWait(t *testing.T) {
	limiter := NewRateLimiter(1, 0)
	if err := limiter.Wait(context.Background(), -1001); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- limiter.Wait(context.Background(), -1001) }()

	time.Sleep(20 * time.Millisecond)
	limiter.Close()
	limiter.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Fatalf("expected ErrLimiterClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not interrupted by Close")
	}

	if err := limiter.Wait(context.Background(), -1001); !errors.Is(err, ErrLimiterClosed) {
		t.Fatalf("expected ErrLimiterClosed after Close, got %v", err)
	}
}
