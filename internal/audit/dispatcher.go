package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Queue asynchronously hands items of type T to a single worker. It backs
// both audit delivery and security notifications.
type Queue[T any] struct {
	cfg       Config
	handle    func(context.Context, T)
	ch        chan T
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewQueue starts the worker. It returns nil when cfg is disabled or handle is
// nil; every method is safe on a nil *Queue.
func NewQueue[T any](cfg Config, handle func(context.Context, T)) *Queue[T] {
	if !cfg.Enabled || handle == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	q := &Queue[T]{
		cfg:    cfg,
		handle: handle,
		ch:     make(chan T, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer q.wg.Done()

	for {
		select {
		case item := <-q.ch:
			q.handle(context.Background(), item)
		case <-q.done:
			for {
				select {
				case item := <-q.ch:
					q.handle(context.Background(), item)
				default:
					return
				}
			}
		}
	}
}

// Enqueue never blocks when DropIfFull is set; otherwise it waits for room,
// ctx, or Close.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) {
	if q == nil || q.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if q.cfg.DropIfFull {
		select {
		case q.ch <- item:
		case <-q.done:
		default:
			q.dropped.Add(1)
		}
		return
	}

	select {
	case q.ch <- item:
	case <-ctx.Done():
		q.dropped.Add(1)
	case <-q.done:
	}
}

// Close stops accepting items and drains what is buffered.
func (q *Queue[T]) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.wg.Wait()
	})
}

func (q *Queue[T]) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

// Dispatcher relays audit events to a Sink.
type Dispatcher struct {
	*Queue[Event]
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	q := NewQueue(cfg, sink.Emit)
	if q == nil {
		return nil
	}
	return &Dispatcher{Queue: q}
}

// Emit enqueues event. Safe on a nil dispatcher.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	d.Enqueue(ctx, event)
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.Queue.Close()
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.Queue.Dropped()
}
