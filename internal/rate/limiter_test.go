package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, cfg), mr
}

func TestLoginThrottleByEmail(t *testing.T) {
	l, mr := newTestLimiter(t, Config{
		EnableLoginThrottle:   true,
		MaxLoginAttempts:      3,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("attempt %d: unexpected %v", i, err)
		}
		if err := l.IncrementLogin(ctx, "a@example.com", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if err := l.CheckLogin(ctx, " A@Example.com ", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for normalized email, got %v", err)
	}
	if err := l.CheckLogin(ctx, "b@example.com", ""); err != nil {
		t.Fatalf("other email should not be throttled: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := l.CheckLogin(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("window should have expired: %v", err)
	}
}

func TestLoginThrottleByIP(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		EnableLoginThrottle:   true,
		MaxLoginAttempts:      2,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	_ = l.IncrementLogin(ctx, "a@example.com", "10.0.0.1")
	_ = l.IncrementLogin(ctx, "b@example.com", "10.0.0.1")

	if err := l.CheckLogin(ctx, "c@example.com", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected IP throttle, got %v", err)
	}
	if err := l.ResetLogin(ctx, "c@example.com"); err != nil {
		t.Fatalf("ResetLogin: %v", err)
	}
	if err := l.CheckLogin(ctx, "c@example.com", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("reset must not clear the IP counter, got %v", err)
	}
}

func TestRefreshThrottlePerFamily(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		EnableRefreshThrottle:   true,
		MaxRefreshAttempts:      2,
		RefreshCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckRefresh(ctx, "fam-1"); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if err := l.CheckRefresh(ctx, "fam-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.CheckRefresh(ctx, "fam-2"); err != nil {
		t.Fatalf("other family should pass: %v", err)
	}
}

func TestDisabledLimiterIsNoop(t *testing.T) {
	l := New(nil, Config{})
	ctx := context.Background()

	if err := l.CheckLogin(ctx, "a@example.com", "1.1.1.1"); err != nil {
		t.Fatalf("disabled CheckLogin: %v", err)
	}
	if err := l.CheckRefresh(ctx, "fam"); err != nil {
		t.Fatalf("disabled CheckRefresh: %v", err)
	}

	var nilLimiter *Limiter
	if err := nilLimiter.CheckRefresh(ctx, "fam"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestLimiterUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	l := New(rdb, Config{EnableRefreshThrottle: true, MaxRefreshAttempts: 5, RefreshCooldownDuration: time.Minute})
	if err := l.CheckRefresh(context.Background(), "fam"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
