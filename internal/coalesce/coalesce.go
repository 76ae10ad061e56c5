// Package coalesce implements a trailing-edge coalescing primitive: signals
// accumulate for a configurable window after the first one, then flush as a
// single deduplicated batch. Three independent components share the
// semantic — the read-position change batcher, downstream notification
// batching, and the expiration scheduler's clock-jump recheck — so it lives
// here as one reusable type instead of three ad hoc timers.
package coalesce

import (
	"sync"
	"time"
)

// Batcher coalesces keyed signals. Keys signalled within the window are
// delivered once each to the flush callback, in one call, after the window
// elapses from the first signal of the batch. Batch size is unbounded.
// Safe for concurrent use.
type Batcher[K comparable] struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(keys []K)
	pending map[K]struct{}
	timer   *time.Timer
	stopped bool
}

// NewBatcher constructs a Batcher flushing at most once per window.
func NewBatcher[K comparable](window time.Duration, flush func(keys []K)) *Batcher[K] {
	return &Batcher[K]{
		window:  window,
		flush:   flush,
		pending: make(map[K]struct{}),
	}
}

// Signal records key for the next flush. The first signal of an idle batcher
// starts the window; further signals before the flush merge into the batch.
func (b *Batcher[K]) Signal(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending[key] = struct{}{}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.fire)
	}
}

// Flush delivers any pending batch immediately, cancelling the window timer.
func (b *Batcher[K]) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	keys := b.take()
	b.mu.Unlock()
	if len(keys) > 0 {
		b.flush(keys)
	}
}

// Stop discards pending signals and prevents further flushes.
func (b *Batcher[K]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[K]struct{})
}

// fire is the timer callback: collect and deliver the batch.
func (b *Batcher[K]) fire() {
	b.mu.Lock()
	b.timer = nil
	keys := b.take()
	stopped := b.stopped
	b.mu.Unlock()
	if !stopped && len(keys) > 0 {
		b.flush(keys)
	}
}

// take drains the pending set. Caller holds the lock.
func (b *Batcher[K]) take() []K {
	if len(b.pending) == 0 {
		return nil
	}
	keys := make([]K, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.pending = make(map[K]struct{})
	return keys
}
