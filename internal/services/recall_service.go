// Package services – RecallService
//
// This file implements recall (message withdrawal) handling with support for
// out-of-order arrival. A recall whose target has already arrived is applied
// inline on the target conversation's serialized queue. A recall arriving
// before its target is buffered in the pending index under the *target's*
// prospective real-source key while carrying the recall's own identity; when
// the target message later registers, resolution by the target's own key
// finds the waiting recall and applies it. This address-by-target /
// resolve-by-self asymmetry is load-bearing: without it a late-arriving
// recall never attaches to an early-arriving target.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/events"
	"github.com/tasset/go-messenger-core/internal/jobqueue"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/pending"
	"github.com/tasset/go-messenger-core/internal/registry"
	"github.com/tasset/go-messenger-core/internal/repo"
)

// RecallService applies recalls to their target messages.
type RecallService struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Sink     events.ConversationSink
	Queue    *jobqueue.Runner
	Pending  *pending.Index[Recall]
}

// HandleRecall resolves the recall's target and either applies it inline or
// buffers it until the target registers.
func (s *RecallService) HandleRecall(ctx context.Context, rc Recall) error {
	tr := otel.Tracer("services/RecallService")
	ctx, span := tr.Start(ctx, "HandleRecall",
		trace.WithAttributes(
			attribute.String("source", rc.Source),
			attribute.Int64("target_sent_at", rc.TargetSentAt),
		),
	)
	defer span.End()

	key := rc.TargetKey()
	target, err := repo.MessageByRealSource(ctx, s.DB, key.Source, key.SourceDevice, key.SentAt)
	if err == repo.ErrNotFound {
		s.Pending.Add(key, rc)
		observability.PendingDepth.WithLabelValues("recall").Set(float64(s.Pending.Len()))
		log.Debug().Str("source", rc.Source).Int64("target_sent_at", rc.TargetSentAt).
			Msg("recall: target not yet arrived, buffering")
		return nil
	}
	if err != nil {
		return err
	}
	live, _ := s.Registry.Register(target)
	return s.apply(ctx, live, rc)
}

// ApplyPendingFor resolves any recall buffered for the just-registered
// message's own real-source triple and applies it. Invoked by the core on
// every fresh registration.
func (s *RecallService) ApplyPendingFor(ctx context.Context, msg *domain.Message) error {
	key := pending.Key{Source: msg.Source, SourceDevice: msg.SourceDevice, SentAt: msg.SentAt}
	rc, ok := s.Pending.Resolve(key)
	observability.PendingDepth.WithLabelValues("recall").Set(float64(s.Pending.Len()))
	if !ok {
		return nil
	}
	log.Debug().Str("message", msg.ID).Msg("recall: applying buffered recall to fresh target")
	return s.apply(ctx, msg, rc)
}

// apply marks the target recalled on its conversation's serialized queue,
// persists it, and notifies the conversation.
func (s *RecallService) apply(ctx context.Context, target *domain.Message, rc Recall) error {
	return s.Queue.Submit(ctx, target.ConversationID, func(ctx context.Context) error {
		if target.HasBeenRecalled {
			return nil
		}
		target.HasBeenRecalled = true
		target.RecalledBy = rc.MessageID
		target.Body = ""
		if err := repo.SaveMessage(ctx, s.DB, target); err != nil {
			return err
		}
		s.Sink.NotifyRecalled(target)
		return nil
	})
}
