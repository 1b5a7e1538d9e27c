package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore fails the first `failures` calls of each operation it implements.
type flakyStore struct {
	Store
	failures int32
	err      error
	block    bool

	findCalls   atomic.Int32
	rotateCalls atomic.Int32
	countCalls  atomic.Int32
}

func (f *flakyStore) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	n := f.findCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= f.failures {
		return nil, f.err
	}
	return &Record{JTI: jti}, nil
}

func (f *flakyStore) MarkRotated(ctx context.Context, oldJTI string, now time.Time, child *Record) error {
	n := f.rotateCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) CountLive(ctx context.Context, userID string, now time.Time) (int, error) {
	n := f.countCalls.Add(1)
	if n <= f.failures {
		return 0, f.err
	}
	return 3, nil
}

func TestBoundedRetriesTransientReadOnce(t *testing.T) {
	inner := &flakyStore{failures: 1, err: ErrUnavailable}
	var retries []string
	store := NewBounded(inner, BoundedOptions{
		Timeout:    time.Second,
		RetryReads: true,
		OnRetry:    func(op string) { retries = append(retries, op) },
	})

	rec, err := store.FindByJTI(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if rec.JTI != "jti-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := inner.findCalls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	if len(retries) != 1 || retries[0] != "find_by_jti" {
		t.Fatalf("expected one find_by_jti retry, got %v", retries)
	}

	count, err := store.CountLive(context.Background(), "u-1", time.Now())
	if err != nil || count != 3 {
		t.Fatalf("expected count retry to succeed, got %d %v", count, err)
	}
}

func TestBoundedRetriesAtMostOnce(t *testing.T) {
	inner := &flakyStore{failures: 5, err: ErrUnavailable}
	store := NewBounded(inner, BoundedOptions{Timeout: time.Second, RetryReads: true})

	if _, err := store.FindByJTI(context.Background(), "jti-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := inner.findCalls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestBoundedDoesNotRetryNonTransient(t *testing.T) {
	inner := &flakyStore{failures: 1, err: ErrNotFound}
	store := NewBounded(inner, BoundedOptions{Timeout: time.Second, RetryReads: true})

	if _, err := store.FindByJTI(context.Background(), "jti-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := inner.findCalls.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestBoundedNeverRetriesRotation(t *testing.T) {
	inner := &flakyStore{failures: 1, err: ErrUnavailable}
	store := NewBounded(inner, BoundedOptions{Timeout: time.Second, RetryReads: true})

	err := store.MarkRotated(context.Background(), "old", time.Now(), &Record{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := inner.rotateCalls.Load(); got != 1 {
		t.Fatalf("rotation must not be retried, got %d attempts", got)
	}
}

func TestBoundedTimeoutIsUnavailable(t *testing.T) {
	inner := &flakyStore{block: true}
	var timeouts atomic.Int32
	store := NewBounded(inner, BoundedOptions{
		Timeout:   20 * time.Millisecond,
		OnTimeout: func(string) { timeouts.Add(1) },
	})

	start := time.Now()
	err := store.MarkRotated(context.Background(), "old", time.Now(), &Record{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout mapped to ErrUnavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("timeout should be transient")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
	if timeouts.Load() != 1 {
		t.Fatalf("expected one timeout callback, got %d", timeouts.Load())
	}
}

func TestBoundedSkipsRetryWhenCallerCancelled(t *testing.T) {
	inner := &flakyStore{failures: 1, err: ErrUnavailable}
	store := NewBounded(inner, BoundedOptions{RetryReads: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.FindByJTI(ctx, "jti-1"); err == nil {
		t.Fatalf("expected error")
	}
	if got := inner.findCalls.Load(); got != 1 {
		t.Fatalf("expected no retry after caller cancellation, got %d attempts", got)
	}
}
