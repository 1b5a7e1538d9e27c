package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes records that expired more than Grace ago.
// Expiry is enforced at read time, so the sweeper only bounds storage growth.
type Sweeper struct {
	Store     Store
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
	// OnSweep, when set, receives the number of records removed per pass.
	OnSweep func(n int)
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger().Warn("session sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce deletes expired records in batches until a batch comes back short.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = 500
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(-s.Grace)

	total := 0
	for {
		n, err := s.Store.DeleteExpired(ctx, cutoff, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch || ctx.Err() != nil {
			break
		}
	}
	if s.OnSweep != nil {
		s.OnSweep(total)
	}
	if total > 0 {
		s.logger().Debug("session sweep", "deleted", total)
	}
	return total, nil
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
