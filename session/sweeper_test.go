package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweeperDeletesInBatches(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "gs")
	now := testNow()

	for i := 0; i < 7; i++ {
		rec := rootRecord("u-1", now.Add(-3*time.Hour))
		rec.ExpiresAt = now.Add(-2 * time.Hour)
		mustCreate(t, store, rec)
	}
	recent := rootRecord("u-1", now.Add(-time.Hour))
	recent.ExpiresAt = now.Add(-time.Minute)
	mustCreate(t, store, recent)
	live := rootRecord("u-1", now)
	mustCreate(t, store, live)

	var reported int
	sweeper := &Sweeper{
		Store:     store,
		Grace:     time.Hour,
		BatchSize: 3,
		Now:       func() time.Time { return now },
		OnSweep:   func(n int) { reported = n },
	}
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 7 || reported != 7 {
		t.Fatalf("expected 7 deleted, got %d (reported %d)", n, reported)
	}

	// Inside the grace period the record stays.
	mustFind(t, store, recent.JTI)
	mustFind(t, store, live.JTI)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "gs")
	now := testNow()

	stale := rootRecord("u-1", now.Add(-2*time.Hour))
	stale.ExpiresAt = now.Add(-time.Hour)
	mustCreate(t, store, stale)

	swept := make(chan int, 16)
	sweeper := &Sweeper{
		Store:    store,
		Interval: 5 * time.Millisecond,
		OnSweep:  func(n int) { swept <- n },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}

	if _, err := store.FindByJTI(context.Background(), stale.JTI); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale record swept, got %v", err)
	}
}
