// Package coalesce provides single-flight execution with pending-value
// coalescing.
//
// At most one flush runs at a time. Values submitted while a flush is in
// flight are merged into a pending value, and the goroutine running the
// flush replays the pending value once the current flush returns. Callers
// never fire overlapping remote calls and no submitted value is lost.
package coalesce

import (
	"context"
	"fmt"
	"sync"
)

// MergeFunc combines an older value with a newer one.
type MergeFunc[T any] func(older, newer T) T

// FlushFunc delivers a merged value.
//
// On error the coalescer keeps v as pending and merges later submissions
// into it. A FlushFunc may shrink v in place before failing (for example
// by deleting already-delivered map keys) so the retained value only holds
// what is still undelivered.
type FlushFunc[T any] func(ctx context.Context, v T) error

// Coalescer serializes flushes of merged values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Coalescer[T any] struct {
	mu         sync.Mutex
	merge      MergeFunc[T]
	flush      FlushFunc[T]
	pending    T
	hasPending bool
	inFlight   bool
	flushes    int
}

// New creates a Coalescer.
func New[T any](merge MergeFunc[T], flush FlushFunc[T]) *Coalescer[T] {
	return &Coalescer[T]{merge: merge, flush: flush}
}

// Do submits v.
//
// When no flush is running the caller becomes the flusher: it flushes v
// and keeps flushing whatever accumulated meanwhile until nothing is
// pending, then returns. When a flush is already running, v is merged into
// the pending value and Do returns nil at once; the running flusher
// delivers it.
//
// A flush error stops the loop, keeps the failed value pending and is
// returned to the flusher. A panicking FlushFunc counts as a failed flush.
func (c *Coalescer[T]) Do(ctx context.Context, v T) error {
	c.mu.Lock()
	c.add(v)
	return c.run(ctx)
}

// Flush delivers the pending value, if any, unless a flush is already
// running. Use it to retry after a failed flush.
func (c *Coalescer[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	return c.run(ctx)
}

// Pending reports the value waiting to be flushed.
func (c *Coalescer[T]) Pending() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.hasPending
}

// InFlight reports whether a flush is running.
func (c *Coalescer[T]) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Flushes counts FlushFunc invocations.
func (c *Coalescer[T]) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// add merges v into pending. Caller holds mu.
func (c *Coalescer[T]) add(v T) {
	if c.hasPending {
		c.pending = c.merge(c.pending, v)
	} else {
		c.pending = v
		c.hasPending = true
	}
}

// run is entered with mu held and releases it.
func (c *Coalescer[T]) run(ctx context.Context) error {
	if c.inFlight || !c.hasPending {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true

	for {
		batch := c.pending
		var zero T
		c.pending, c.hasPending = zero, false
		c.flushes++
		c.mu.Unlock()

		err := c.safeFlush(ctx, batch)

		c.mu.Lock()
		if err != nil {
			if c.hasPending {
				c.pending = c.merge(batch, c.pending)
			} else {
				c.pending = batch
				c.hasPending = true
			}
			c.inFlight = false
			c.mu.Unlock()
			return err
		}
		if !c.hasPending {
			c.inFlight = false
			c.mu.Unlock()
			return nil
		}
	}
}

// safeFlush runs the FlushFunc, turning a panic into an error so the
// in-flight flag is always released.
func (c *Coalescer[T]) safeFlush(ctx context.Context, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coalesce: flush panicked: %v", r)
		}
	}()
	return c.flush(ctx, v)
}
