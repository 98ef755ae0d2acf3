package dispatch

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

// Sink receives dispatched items on the dispatcher goroutine.
type Sink[T any] interface {
	Emit(ctx context.Context, item T)
}

// Dispatcher asynchronously forwards items to a sink in submission order.
// A nil Dispatcher is a valid no-op.
type Dispatcher[T any] struct {
	cfg       Config
	sink      Sink[T]
	ch        chan T
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	panics    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts a dispatcher, or returns nil when cfg is disabled or sink is
// nil.
func New[T any](cfg Config, sink Sink[T]) *Dispatcher[T] {
	if !cfg.Enabled || sink == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &Dispatcher[T]{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan T, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher[T]) run() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.ch:
			d.deliver(item)
		case <-d.done:
			for {
				select {
				case item := <-d.ch:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher[T]) deliver(item T) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
		}
	}()
	d.sink.Emit(context.Background(), item)
}

// Emit queues item. With DropIfFull a full buffer drops the item and counts
// it; otherwise Emit blocks until there is room, ctx is done, or the
// dispatcher closes.
func (d *Dispatcher[T]) Emit(ctx context.Context, item T) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- item:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- item:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting items and waits until queued items are delivered.
func (d *Dispatcher[T]) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of items that were never queued.
func (d *Dispatcher[T]) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SinkPanics returns the number of sink panics recovered.
func (d *Dispatcher[T]) SinkPanics() uint64 {
	if d == nil {
		return 0
	}
	return d.panics.Load()
}
