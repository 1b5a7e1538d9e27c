package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BoundedOptions configures [Bounded].
type BoundedOptions struct {
	// Timeout bounds every store call. Zero disables the per-call deadline.
	Timeout time.Duration
	// RetryReads allows one extra attempt for read operations that failed
	// with a transient error.
	RetryReads bool
	// OnRetry is invoked before each retry with the operation name.
	OnRetry func(op string)
	// OnTimeout is invoked when a call hit its deadline.
	OnTimeout func(op string)
}

// Bounded wraps a Store with per-call deadlines and the read retry policy.
// Writes are never retried: a rotation that timed out may or may not have
// committed, and only the next presentation of the token can tell.
type Bounded struct {
	inner Store
	opts  BoundedOptions
}

var _ Store = (*Bounded)(nil)

// NewBounded returns inner wrapped with opts.
func NewBounded(inner Store, opts BoundedOptions) *Bounded {
	return &Bounded{inner: inner, opts: opts}
}

// Unwrap returns the decorated store.
func (b *Bounded) Unwrap() Store {
	return b.inner
}

func (b *Bounded) Create(ctx context.Context, rec *Record) error {
	return writeOnce(b, ctx, "create", func(ctx context.Context) error {
		return b.inner.Create(ctx, rec)
	})
}

func (b *Bounded) CreateRoot(ctx context.Context, rec *Record, limit Limit, now time.Time) ([]*Record, error) {
	var evicted []*Record
	err := writeOnce(b, ctx, "create_root", func(ctx context.Context) error {
		var err error
		evicted, err = b.inner.CreateRoot(ctx, rec, limit, now)
		return err
	})
	return evicted, err
}

func (b *Bounded) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	return readRetry(b, ctx, "find_by_jti", func(ctx context.Context) (*Record, error) {
		return b.inner.FindByJTI(ctx, jti)
	})
}

func (b *Bounded) FindByID(ctx context.Context, id string) (*Record, error) {
	return readRetry(b, ctx, "find_by_id", func(ctx context.Context) (*Record, error) {
		return b.inner.FindByID(ctx, id)
	})
}

func (b *Bounded) MarkRotated(ctx context.Context, oldJTI string, now time.Time, child *Record) error {
	return writeOnce(b, ctx, "mark_rotated", func(ctx context.Context) error {
		return b.inner.MarkRotated(ctx, oldJTI, now, child)
	})
}

func (b *Bounded) MarkReused(ctx context.Context, jti string, now time.Time) error {
	return writeOnce(b, ctx, "mark_reused", func(ctx context.Context) error {
		return b.inner.MarkReused(ctx, jti, now)
	})
}

func (b *Bounded) RevokeByID(ctx context.Context, userID, id string, now time.Time) error {
	return writeOnce(b, ctx, "revoke_by_id", func(ctx context.Context) error {
		return b.inner.RevokeByID(ctx, userID, id, now)
	})
}

func (b *Bounded) RevokeFamily(ctx context.Context, userID, familyID string, now time.Time) (int, error) {
	var n int
	err := writeOnce(b, ctx, "revoke_family", func(ctx context.Context) error {
		var err error
		n, err = b.inner.RevokeFamily(ctx, userID, familyID, now)
		return err
	})
	return n, err
}

func (b *Bounded) CountLive(ctx context.Context, userID string, now time.Time) (int, error) {
	return readRetry(b, ctx, "count_live", func(ctx context.Context) (int, error) {
		return b.inner.CountLive(ctx, userID, now)
	})
}

func (b *Bounded) ListLive(ctx context.Context, userID string, now time.Time) ([]*Record, error) {
	return readRetry(b, ctx, "list_live", func(ctx context.Context) ([]*Record, error) {
		return b.inner.ListLive(ctx, userID, now)
	})
}

func (b *Bounded) FindOldestLive(ctx context.Context, userID string, n int, now time.Time) ([]*Record, error) {
	return readRetry(b, ctx, "find_oldest_live", func(ctx context.Context) ([]*Record, error) {
		return b.inner.FindOldestLive(ctx, userID, n, now)
	})
}

func (b *Bounded) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	var n int
	err := writeOnce(b, ctx, "delete_expired", func(ctx context.Context) error {
		var err error
		n, err = b.inner.DeleteExpired(ctx, before, limit)
		return err
	})
	return n, err
}

func (b *Bounded) Ping(ctx context.Context) error {
	return writeOnce(b, ctx, "ping", b.inner.Ping)
}

func writeOnce(b *Bounded, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := bounded(b, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func readRetry[T any](b *Bounded, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := bounded(b, ctx, op, fn)
	if err == nil || !b.opts.RetryReads || !IsTransient(err) || ctx.Err() != nil {
		return v, err
	}
	if b.opts.OnRetry != nil {
		b.opts.OnRetry(op)
	}
	return bounded(b, ctx, op, fn)
}

func bounded[T any](b *Bounded, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	v, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		if b.opts.OnTimeout != nil {
			b.opts.OnTimeout(op)
		}
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %s timed out: %v", ErrUnavailable, op, err)
		}
	}
	return v, err
}
