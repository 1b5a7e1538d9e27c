package goSession

import (
	"time"

	"github.com/ngthtrong/goSession/session"
)

// Sweeper returns a retention sweeper over the engine's store, clock and
// logger. Records are deleted once they expired more than grace ago. The
// caller owns the goroutine: go engine.Sweeper(time.Minute, time.Hour).Run(ctx).
func (e *Engine) Sweeper(interval, grace time.Duration) *session.Sweeper {
	if !e.ready() {
		return nil
	}
	return &session.Sweeper{
		Store:    e.store,
		Interval: interval,
		Grace:    grace,
		Logger:   e.logger,
		Now:      e.now,
		OnSweep: func(n int) {
			e.metrics.Add(MetricSweepDeleted, uint64(n))
		},
	}
}
