// Package registry implements the in-memory message cache. It maps a message
// id to the single live instance of that message, deduplicates concurrent
// loads, tracks recency, evicts idle entries, and maintains an ordered expiry
// index so the expiration scheduler can ask for the next deadline without
// scanning every entry.
//
// The registry is a cache over the persisted store, never the source of
// truth: an entry without a backing store row is stale and falls out on the
// next sweep. All mutation goes through the narrow Register/Unregister/Rearm
// contract; callers never mutate entries' lifecycle fields directly.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tasset/go-messenger-core/internal/domain"
)

// DefaultIdleThreshold is how long an untouched entry survives before the
// sweep considers it evictable.
const DefaultIdleThreshold = 5 * time.Minute

// WindowKeeper reports whether a conversation's loaded in-memory window still
// references a message. Implemented by the UI collaborator; entries inside a
// loaded window are never evicted regardless of idleness.
type WindowKeeper interface {
	References(conversationID, messageID string) bool
}

// WindowKeeperFunc adapts a function to the WindowKeeper interface.
type WindowKeeperFunc func(conversationID, messageID string) bool

// References implements WindowKeeper.
func (f WindowKeeperFunc) References(conversationID, messageID string) bool {
	return f(conversationID, messageID)
}

// entry pairs a cached message with its recency stamp.
type entry struct {
	msg         *domain.Message
	lastTouched time.Time
}

// expiryKey orders the expiry index by deadline, breaking ties by id so
// removal can find the exact element.
type expiryKey struct {
	expiresAt int64
	id        string
}

// Registry is the in-memory message cache. Safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	entries       map[string]*entry
	expiryIndex   []expiryKey // sorted ascending by (expiresAt, id)
	idleThreshold time.Duration
	windows       WindowKeeper
	clock         func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithIdleThreshold overrides the idle eviction threshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(r *Registry) { r.idleThreshold = d }
}

// WithClock overrides the recency clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// New constructs a Registry. windows may be nil, in which case no loaded
// window protects entries from idle eviction.
func New(windows WindowKeeper, opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		idleThreshold: DefaultIdleThreshold,
		windows:       windows,
		clock:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register caches msg under its id. If the id is already cached, the existing
// instance is returned (never the supplied one) and its recency is refreshed,
// so concurrent loaders of the same id converge on one object. The second
// result reports whether this call inserted a fresh entry; callers use it to
// trigger pending-target resolution exactly once per message.
func (r *Registry) Register(msg *domain.Message) (*domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[msg.ID]; ok {
		e.lastTouched = r.clock()
		return e.msg, false
	}
	r.entries[msg.ID] = &entry{msg: msg, lastTouched: r.clock()}
	if msg.ExpiresAt != nil {
		r.indexInsert(expiryKey{expiresAt: *msg.ExpiresAt, id: msg.ID})
	}
	return msg, true
}

// Unregister removes the entry for id. Idempotent on unknown ids.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// GetByID returns the cached message for id without touching recency.
func (r *Registry) GetByID(id string) (*domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.msg, true
}

// Len returns the number of cached entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Rearm sets a new expiry deadline on a cached message and repositions it in
// the expiry index. This is the only mutation of ExpiresAt after Register.
func (r *Registry) Rearm(id string, expiresAt int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.msg.ExpiresAt != nil {
		r.indexRemove(expiryKey{expiresAt: *e.msg.ExpiresAt, id: id})
	}
	e.msg.ExpiresAt = &expiresAt
	r.indexInsert(expiryKey{expiresAt: expiresAt, id: id})
	return true
}

// NextExpiringTimestamp returns the minimum expires_at among cached messages
// that have one, or false when none do. O(1): the index head.
func (r *Registry) NextExpiringTimestamp() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.expiryIndex) == 0 {
		return 0, false
	}
	return r.expiryIndex[0].expiresAt, true
}

// ExpiredMessages returns all cached messages whose deadline is at or before
// now (epoch millis), in ascending deadline order. A prefix scan of the
// ordered index that stops at the first non-expired entry.
func (r *Registry) ExpiredMessages(now int64) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, k := range r.expiryIndex {
		if k.expiresAt > now {
			break
		}
		if e, ok := r.entries[k.id]; ok {
			out = append(out, e.msg)
		}
	}
	return out
}

// Sweep evicts entries idle longer than the threshold whose owning
// conversation's loaded window no longer references them. Side-effect-only;
// driven on a fixed cadence by the owning core.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-r.idleThreshold)
	evicted := 0
	for id, e := range r.entries {
		if e.lastTouched.After(cutoff) {
			continue
		}
		if r.windows != nil && r.windows.References(e.msg.ConversationID, id) {
			continue
		}
		r.remove(id)
		evicted++
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Int("remaining", len(r.entries)).Msg("registry sweep")
	}
}

// remove deletes an entry and its expiry index element. Caller holds the lock.
func (r *Registry) remove(id string) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	if e.msg.ExpiresAt != nil {
		r.indexRemove(expiryKey{expiresAt: *e.msg.ExpiresAt, id: id})
	}
}

// indexInsert places k at its sorted position. Caller holds the lock.
func (r *Registry) indexInsert(k expiryKey) {
	i := sort.Search(len(r.expiryIndex), func(i int) bool {
		return !r.expiryIndex[i].less(k)
	})
	r.expiryIndex = append(r.expiryIndex, expiryKey{})
	copy(r.expiryIndex[i+1:], r.expiryIndex[i:])
	r.expiryIndex[i] = k
}

// indexRemove deletes k if present. Caller holds the lock.
func (r *Registry) indexRemove(k expiryKey) {
	i := sort.Search(len(r.expiryIndex), func(i int) bool {
		return !r.expiryIndex[i].less(k)
	})
	if i < len(r.expiryIndex) && r.expiryIndex[i] == k {
		r.expiryIndex = append(r.expiryIndex[:i], r.expiryIndex[i+1:]...)
	}
}

func (k expiryKey) less(o expiryKey) bool {
	if k.expiresAt != o.expiresAt {
		return k.expiresAt < o.expiresAt
	}
	return k.id < o.id
}
