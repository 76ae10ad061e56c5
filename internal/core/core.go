// Package core assembles the message lifecycle engine: the in-memory
// registry, the expiration scheduler, the pending-target indices, and the
// reconciliation services. It is the explicit context object constructed once
// at application start and injected into collaborators, replacing what would
// otherwise be module-level singletons.
//
// The core owns the glue invariants:
//   - every fresh registration resolves buffered recalls/reactions addressed
//     to the new message's real-source triple;
//   - a fresh registration that expires sooner than the armed deadline
//     forces a deadline recomputation;
//   - inbound envelopes are deduplicated against redelivery before dispatch;
//   - the registry sweep and envelope-dedup pruning run on a fixed cadence.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tasset/go-messenger-core/internal/coalesce"
	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/events"
	"github.com/tasset/go-messenger-core/internal/expiry"
	"github.com/tasset/go-messenger-core/internal/jobqueue"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/pending"
	"github.com/tasset/go-messenger-core/internal/registry"
	"github.com/tasset/go-messenger-core/internal/repo"
	"github.com/tasset/go-messenger-core/internal/services"
)

// Cadences and windows, overridable through Options.
const (
	DefaultSweepCadence = time.Hour
	DefaultNotifyWindow = 200 * time.Millisecond
	DefaultEnvelopeTTL  = 24 * time.Hour
	defaultQueueBacklog = 64
)

// Envelope kinds for dedup bookkeeping.
const (
	kindReaction = "reaction"
	kindRecall   = "recall"
)

// storeShim adapts the repo free functions to the expiry.Store interface,
// keeping the scheduler decoupled from the concrete repo package.
type storeShim struct{ db *gorm.DB }

// EarliestExpiry proxies repo.EarliestExpiry.
func (s storeShim) EarliestExpiry(ctx context.Context) (int64, bool, error) {
	return repo.EarliestExpiry(ctx, s.db)
}

// ExpiredBefore proxies repo.ExpiredBefore.
func (s storeShim) ExpiredBefore(ctx context.Context, now int64) ([]domain.Message, error) {
	return repo.ExpiredBefore(ctx, s.db, now, 0)
}

// BulkDelete proxies repo.BulkDeleteMessages.
func (s storeShim) BulkDelete(ctx context.Context, ids []string) error {
	return repo.BulkDeleteMessages(ctx, s.db, ids)
}

// DrainRemovals proxies repo.DrainRemovals.
func (s storeShim) DrainRemovals(ctx context.Context) error {
	return repo.DrainRemovals(ctx, s.db)
}

// Core owns the lifecycle engine's moving parts.
type Core struct {
	DB        *gorm.DB
	Registry  *registry.Registry
	Scheduler *expiry.Scheduler

	Receipts  *services.ReceiptService
	ReadSyncs *services.ReadSyncService
	Recalls   *services.RecallService
	Reactions *services.ReactionService

	queue  *jobqueue.Runner
	notify *coalesce.Batcher[string]

	sweepCadence time.Duration
	envelopeTTL  time.Duration
	started      bool
	stop         chan struct{}
	done         chan struct{}
}

// Option customizes a Core.
type Option func(*options)

type options struct {
	sweepCadence  time.Duration
	notifyWindow  time.Duration
	envelopeTTL   time.Duration
	schedulerOpts []expiry.Option
	registryOpts  []registry.Option
	windows       registry.WindowKeeper
}

// WithSweepCadence overrides the registry sweep cadence.
func WithSweepCadence(d time.Duration) Option {
	return func(o *options) { o.sweepCadence = d }
}

// WithNotifyWindow overrides the read-position notification batch window.
func WithNotifyWindow(d time.Duration) Option {
	return func(o *options) { o.notifyWindow = d }
}

// WithEnvelopeTTL overrides how long envelope dedup records live.
func WithEnvelopeTTL(d time.Duration) Option {
	return func(o *options) { o.envelopeTTL = d }
}

// WithSchedulerOptions forwards options to the expiration scheduler.
func WithSchedulerOptions(opts ...expiry.Option) Option {
	return func(o *options) { o.schedulerOpts = append(o.schedulerOpts, opts...) }
}

// WithRegistryOptions forwards options to the message registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *options) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithWindowKeeper injects the UI's loaded-window capability consulted by
// registry sweeps.
func WithWindowKeeper(w registry.WindowKeeper) Option {
	return func(o *options) { o.windows = w }
}

// New wires a Core. selfID is the local user; sink and policy are the
// external collaborators notified of lifecycle events.
func New(db *gorm.DB, selfID string, sink events.ConversationSink, policy events.ConfidentialPolicy, opts ...Option) *Core {
	o := &options{
		sweepCadence: DefaultSweepCadence,
		notifyWindow: DefaultNotifyWindow,
		envelopeTTL:  DefaultEnvelopeTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	reg := registry.New(o.windows, o.registryOpts...)
	queue := jobqueue.NewRunner(defaultQueueBacklog)
	notify := coalesce.NewBatcher[string](o.notifyWindow, func(conversationIDs []string) {
		for _, id := range conversationIDs {
			sink.NotifyReadPositionChanged(id)
		}
	})

	c := &Core{
		DB:           db,
		Registry:     reg,
		Scheduler:    expiry.New(storeShim{db: db}, reg, sink, o.schedulerOpts...),
		queue:        queue,
		notify:       notify,
		sweepCadence: o.sweepCadence,
		envelopeTTL:  o.envelopeTTL,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.Receipts = &services.ReceiptService{
		DB: db, Registry: reg, Sink: sink, Policy: policy, SelfID: selfID, Notify: notify,
	}
	c.ReadSyncs = &services.ReadSyncService{DB: db, SelfID: selfID, Notify: notify}
	c.Recalls = &services.RecallService{
		DB: db, Registry: reg, Sink: sink, Queue: queue, Pending: pending.NewIndex[services.Recall](),
	}
	c.Reactions = &services.ReactionService{
		DB: db, Registry: reg, Queue: queue, Pending: pending.NewIndex[services.Reaction](),
	}
	return c
}

// Start arms the first expiry deadline and launches the background sweep
// loop.
func (c *Core) Start() {
	c.started = true
	c.Scheduler.RecomputeDeadline()
	go c.sweepLoop()
}

// Close drains the background loop, the job queues, the notification batcher
// and the scheduler. An in-flight expiry sweep completes first.
func (c *Core) Close() {
	close(c.stop)
	if c.started {
		<-c.done
	}
	c.Scheduler.Close()
	c.notify.Flush()
	c.notify.Stop()
	c.queue.Close()
}

// RegisterMessage routes a message through the registry and runs the
// fresh-registration hooks: buffered recall/reaction resolution and, when the
// newcomer expires sooner than anything known, a deadline recheck. Returns
// the live instance all flows must use.
func (c *Core) RegisterMessage(ctx context.Context, msg *domain.Message) *domain.Message {
	live, fresh := c.Registry.Register(msg)
	observability.RegistrySize.Set(float64(c.Registry.Len()))
	if !fresh {
		return live
	}

	if err := c.Recalls.ApplyPendingFor(ctx, live); err != nil {
		log.Warn().Err(err).Str("message", live.ID).Msg("core: buffered recall application failed")
	}
	if err := c.Reactions.ApplyPendingFor(ctx, live); err != nil {
		log.Warn().Err(err).Str("message", live.ID).Msg("core: buffered reaction application failed")
	}

	if live.ExpiresAt != nil {
		if armed, ok := c.Scheduler.Deadline(); !ok || *live.ExpiresAt < armed {
			c.Scheduler.RecomputeDeadline()
		}
	}
	return live
}

// HandleReaction deduplicates and dispatches a reaction envelope.
func (c *Core) HandleReaction(ctx context.Context, r services.Reaction) error {
	if c.duplicate(ctx, kindReaction, r.Source, r.SourceDevice, r.SentAt) {
		return nil
	}
	if err := c.Reactions.HandleReaction(ctx, r); err != nil {
		c.forgetEnvelope(ctx, kindReaction, r.Source, r.SourceDevice, r.SentAt)
		return err
	}
	return nil
}

// HandleRecall deduplicates and dispatches a recall envelope.
func (c *Core) HandleRecall(ctx context.Context, rc services.Recall) error {
	if c.duplicate(ctx, kindRecall, rc.Source, rc.SourceDevice, rc.SentAt) {
		return nil
	}
	if err := c.Recalls.HandleRecall(ctx, rc); err != nil {
		c.forgetEnvelope(ctx, kindRecall, rc.Source, rc.SourceDevice, rc.SentAt)
		return err
	}
	return nil
}

// HandleReadReceipts dispatches a reader's receipt batch.
func (c *Core) HandleReadReceipts(ctx context.Context, reader string, receipts []services.Receipt, explicit *services.ReadPositionInput) error {
	return c.Receipts.HandleReadReceipts(ctx, reader, receipts, explicit)
}

// HandleReadSyncs dispatches a device's read-sync batch.
func (c *Core) HandleReadSyncs(ctx context.Context, sourceDevice int, syncs []services.ReadSync, explicit *services.ReadPositionInput) error {
	return c.ReadSyncs.HandleReadSyncs(ctx, sourceDevice, syncs, explicit)
}

// PendingDepths reports the buffered reaction/recall counts for the ops API.
func (c *Core) PendingDepths() (reactions, recalls int) {
	return c.Reactions.Pending.Len(), c.Recalls.Pending.Len()
}

// duplicate records the envelope in the dedup table before dispatch, claiming
// the tuple against concurrent redeliveries; true means this is a redelivery
// and the envelope must be dropped. When the handler later fails, the caller
// releases the claim via forgetEnvelope so a redelivery retries instead of
// being swallowed. A dedup store failure fails open: processing a duplicate
// twice is recoverable, dropping a fresh envelope is not.
func (c *Core) duplicate(ctx context.Context, kind, source string, sourceDevice int, sentAt int64) bool {
	err := repo.MarkEnvelopeProcessed(ctx, c.DB, kind, source, sourceDevice, sentAt, c.envelopeTTL)
	if errors.Is(err, repo.ErrDuplicate) {
		log.Debug().Str("kind", kind).Str("source", source).Int64("sent_at", sentAt).
			Msg("core: dropping duplicate envelope")
		return true
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("core: envelope dedup failed, processing anyway")
	}
	return false
}

// forgetEnvelope releases a dedup claim after a handler failure. A failed
// delete is logged only: the worst case is a dropped redelivery, which the
// transport's retry already risked.
func (c *Core) forgetEnvelope(ctx context.Context, kind, source string, sourceDevice int, sentAt int64) {
	if err := repo.ClearEnvelopeProcessed(ctx, c.DB, kind, source, sourceDevice, sentAt); err != nil {
		log.Warn().Err(err).Str("kind", kind).Str("source", source).Int64("sent_at", sentAt).
			Msg("core: failed to release envelope dedup claim")
	}
}

// sweepLoop drives the hourly registry sweep and dedup pruning until Close.
func (c *Core) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Registry.Sweep()
			observability.RegistrySize.Set(float64(c.Registry.Len()))
			if err := repo.PruneProcessedEnvelopes(context.Background(), c.DB, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Msg("core: envelope dedup pruning failed")
			}
		case <-c.stop:
			return
		}
	}
}
