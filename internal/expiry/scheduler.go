// Package expiry implements the timer-driven expiration scheduler. It tracks
// the next-expiring deadline across the in-memory registry and the persisted
// store, arms a single timer for it, and runs batched destructive sweeps when
// the timer fires.
//
// The scheduler is a three-state machine: Idle (no timer armed), Armed (timer
// running for a specific deadline), Sweeping (a destroy pass in progress).
// A timer tick that arrives while a sweep is running is dropped; the
// post-sweep deadline recomputation re-arms correctly. recomputeDeadline
// never panics the process: any failure degrades to Idle rather than leaving
// the scheduler without a timer the next natural trigger can recover from.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tasset/go-messenger-core/internal/coalesce"
	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/events"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/registry"
)

// Defaults for the sweep loop. All overridable through Options; tests shrink
// the timing thresholds.
const (
	DefaultBatchSize          = 20
	DefaultSlowBatchThreshold = 500 * time.Millisecond
	DefaultRecheckDebounce    = time.Second

	// maxTimerDelayMillis clamps the armed delay to the largest
	// representable single-shot timer in the original runtime (2^31-1 ms).
	maxTimerDelayMillis = int64(1<<31 - 1)
)

// State is the scheduler's lifecycle state.
type State int32

// Scheduler states.
const (
	StateIdle State = iota
	StateArmed
	StateSweeping
)

// String implements fmt.Stringer for status reporting.
func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateSweeping:
		return "sweeping"
	default:
		return "idle"
	}
}

// Store is the persisted-store surface the scheduler consumes. Implemented
// by thin shims over the repo package.
type Store interface {
	// EarliestExpiry returns the soonest expiry deadline in the store, or
	// false when nothing expires.
	EarliestExpiry(ctx context.Context) (int64, bool, error)
	// ExpiredBefore returns messages whose deadline passed, ascending.
	ExpiredBefore(ctx context.Context, now int64) ([]domain.Message, error)
	// BulkDelete removes a batch of messages by id.
	BulkDelete(ctx context.Context, ids []string) error
	// DrainRemovals blocks until the store's removal queue for previously
	// deleted rows has drained.
	DrainRemovals(ctx context.Context) error
}

// Scheduler arms expiry timers and runs destroy sweeps. Construct with New;
// the zero value is not usable.
type Scheduler struct {
	store Store
	reg   *registry.Registry
	sink  events.ConversationSink

	batchSize     int
	slowThreshold time.Duration
	clock         func() time.Time
	sleep         func(time.Duration)

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	deadline int64

	recheck *coalesce.Batcher[struct{}]
	closed  bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithBatchSize overrides the destroy batch size.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithSlowBatchThreshold overrides the slow-batch cooldown threshold.
func WithSlowBatchThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.slowThreshold = d }
}

// WithRecheckDebounce overrides the clock-jump recheck window.
func WithRecheckDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		s.recheck.Stop()
		s.recheck = coalesce.NewBatcher[struct{}](d, func([]struct{}) { s.RecomputeDeadline() })
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithSleep overrides the cooldown sleep (tests).
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New constructs a Scheduler in the Idle state. Call RecomputeDeadline to arm
// the first timer.
func New(store Store, reg *registry.Registry, sink events.ConversationSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		reg:           reg,
		sink:          sink,
		batchSize:     DefaultBatchSize,
		slowThreshold: DefaultSlowBatchThreshold,
		clock:         time.Now,
		sleep:         time.Sleep,
		state:         StateIdle,
	}
	s.recheck = coalesce.NewBatcher[struct{}](DefaultRecheckDebounce, func([]struct{}) { s.RecomputeDeadline() })
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deadline returns the armed deadline (epoch millis), or false when Idle.
func (s *Scheduler) Deadline() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed {
		return 0, false
	}
	return s.deadline, true
}

// TimeTravel signals a system clock jump (device sleep/resume). The deadline
// recomputation it forces is debounced to at most once per second so event
// storms collapse into one recheck.
func (s *Scheduler) TimeTravel() {
	s.recheck.Signal(struct{}{})
}

// RecomputeDeadline queries the registry and the store for the soonest expiry
// deadline, taking the minimum of the two (either side may know messages the
// other does not), and (re-)arms the timer. With no deadline anywhere the
// scheduler goes Idle. Never propagates a failure: a store error degrades to
// Idle and is retried by the next natural trigger.
func (s *Scheduler) RecomputeDeadline() {
	ctx := context.Background()

	deadline, ok := s.reg.NextExpiringTimestamp()
	storeDeadline, storeOK, err := s.store.EarliestExpiry(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("expiry: earliest-expiry query failed")
	} else if storeOK && (!ok || storeDeadline < deadline) {
		deadline, ok = storeDeadline, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == StateSweeping {
		// A finishing sweep recomputes again; do not fight it for the timer.
		return
	}
	s.cancelTimerLocked()
	if !ok {
		s.state = StateIdle
		return
	}

	// Clamp in milliseconds before converting: a far-future deadline would
	// overflow the Duration multiply and arm an immediate timer.
	ms := deadline - s.clock().UnixMilli()
	if ms < 0 {
		ms = 0
	}
	if ms > maxTimerDelayMillis {
		ms = maxTimerDelayMillis
	}
	delay := time.Duration(ms) * time.Millisecond
	s.deadline = deadline
	s.state = StateArmed
	s.timer = time.AfterFunc(delay, s.onTimer)
}

// Close cancels the armed timer and the recheck debouncer. An in-flight
// sweep runs to completion; there is no partial cancellation of a sweep.
func (s *Scheduler) Close() {
	s.recheck.Stop()
	s.mu.Lock()
	s.closed = true
	s.cancelTimerLocked()
	if s.state != StateSweeping {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// onTimer is the timer callback: run one sweep, then chain to the next
// deadline. A tick landing while a sweep is already in flight is dropped.
func (s *Scheduler) onTimer() {
	s.mu.Lock()
	if s.closed || s.state == StateSweeping {
		s.mu.Unlock()
		return
	}
	s.state = StateSweeping
	s.timer = nil
	s.mu.Unlock()

	s.destroySweep(context.Background())

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.RecomputeDeadline()
}

// Sweep runs one destroy pass synchronously, guarded exactly like a timer
// tick: if a sweep is already in flight the call is a no-op. Exposed for the
// core's shutdown drain and for tests.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateSweeping {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateSweeping
	s.cancelTimerLocked()
	s.mu.Unlock()

	s.destroySweep(ctx)

	s.mu.Lock()
	s.state = prev
	if prev == StateArmed {
		// The old timer was cancelled; fall through to a fresh arm.
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.RecomputeDeadline()
}

// destroySweep gathers every currently due message from the registry and the
// store, then destroys them in batches: notify each owning conversation,
// wait for the notifications to settle, bulk-delete the batch, and wait for
// the store's removal queue to drain. A batch that takes longer than the
// slow threshold is followed by a cooldown of twice its duration. Store
// errors abort the remaining batches but never the scheduler.
func (s *Scheduler) destroySweep(ctx context.Context) {
	start := s.clock()
	defer func() {
		observability.SweepDuration.Observe(s.clock().Sub(start).Seconds())
	}()

	for {
		now := s.clock().UnixMilli()
		candidates := s.gatherCandidates(ctx, now)
		if len(candidates) == 0 {
			return
		}
		log.Info().Int("count", len(candidates)).Msg("expiry: destroying expired messages")

		for i := 0; i < len(candidates); i += s.batchSize {
			end := i + s.batchSize
			if end > len(candidates) {
				end = len(candidates)
			}
			if err := s.destroyBatch(ctx, candidates[i:end]); err != nil {
				log.Error().Err(err).Msg("expiry: destroy batch failed, abandoning sweep")
				return
			}
		}
	}
}

// gatherCandidates unions the registry's expired messages with a store query
// for expired rows not currently cached. Store rows are registered so all
// later processing operates on the single live instance.
func (s *Scheduler) gatherCandidates(ctx context.Context, now int64) []*domain.Message {
	candidates := s.reg.ExpiredMessages(now)
	seen := make(map[string]struct{}, len(candidates))
	for _, m := range candidates {
		seen[m.ID] = struct{}{}
	}

	rows, err := s.store.ExpiredBefore(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("expiry: expired-messages query failed, sweeping cache only")
		return candidates
	}
	for i := range rows {
		if _, ok := seen[rows[i].ID]; ok {
			continue
		}
		live, _ := s.reg.Register(&rows[i])
		candidates = append(candidates, live)
	}
	return candidates
}

// destroyBatch processes one batch end to end.
func (s *Scheduler) destroyBatch(ctx context.Context, batch []*domain.Message) error {
	batchStart := s.clock()

	var wg sync.WaitGroup
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
		wg.Add(1)
		go func(m *domain.Message) {
			defer wg.Done()
			s.sink.NotifyExpired(m)
		}(m)
	}
	wg.Wait()

	if err := s.store.BulkDelete(ctx, ids); err != nil {
		return err
	}
	if err := s.store.DrainRemovals(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		s.reg.Unregister(id)
	}
	observability.ExpiredMessages.Add(float64(len(ids)))

	if elapsed := s.clock().Sub(batchStart); elapsed > s.slowThreshold {
		observability.SweepBatchCooldowns.Inc()
		log.Debug().Dur("elapsed", elapsed).Msg("expiry: slow batch, cooling down")
		s.sleep(2 * elapsed)
	}
	return nil
}

// cancelTimerLocked stops the armed timer. Caller holds the lock.
func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
