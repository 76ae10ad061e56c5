// Package pending implements the short-lived lookup that lets a reaction or
// recall arriving before its target message be buffered and retried once the
// target registers. Entries are keyed by the "real source" triple that
// addresses a message independently of local storage ids.
//
// Each protocol owns its own Index instance; reaction keys and recall keys
// never share a namespace.
package pending

import "sync"

// Key uniquely addresses a message by its sender identity and sender-assigned
// timestamp.
type Key struct {
	Source       string
	SourceDevice int
	SentAt       int64
}

// Index is a keyed buffer of pending items. A second Add for the same key
// before resolution replaces the first (last-write-wins within the buffering
// window). Safe for concurrent use.
type Index[T any] struct {
	mu      sync.Mutex
	pending map[Key]T
}

// NewIndex constructs an empty Index.
func NewIndex[T any]() *Index[T] {
	return &Index[T]{pending: make(map[Key]T)}
}

// Add inserts or replaces the entry for key.
func (x *Index[T]) Add(key Key, item T) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending[key] = item
}

// Resolve atomically removes and returns the entry for key, if any.
func (x *Index[T]) Resolve(key Key) (T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	item, ok := x.pending[key]
	if ok {
		delete(x.pending, key)
	}
	return item, ok
}

// Len returns the number of buffered entries.
func (x *Index[T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}
