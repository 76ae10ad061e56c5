// Package services – ReactionService
//
// This file implements emoji reaction handling. Reactions address their
// target by the real-source triple; a reaction arriving before its target is
// buffered in the reaction pending index (keyed by the target's triple) and
// replayed when the target registers. Application runs on the target
// conversation's serialized job queue, so two reactions on the same
// conversation never interleave with each other or with recall application.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/jobqueue"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/pending"
	"github.com/tasset/go-messenger-core/internal/registry"
	"github.com/tasset/go-messenger-core/internal/repo"
)

// ReactionService applies emoji reactions to their target messages.
type ReactionService struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Queue    *jobqueue.Runner
	Pending  *pending.Index[Reaction]
}

// HandleReaction resolves the reaction's target and either applies it on the
// conversation queue or buffers it until the target arrives.
func (s *ReactionService) HandleReaction(ctx context.Context, r Reaction) error {
	tr := otel.Tracer("services/ReactionService")
	ctx, span := tr.Start(ctx, "HandleReaction",
		trace.WithAttributes(
			attribute.String("source", r.Source),
			attribute.String("emoji", r.Emoji),
			attribute.Bool("remove", r.Remove),
		),
	)
	defer span.End()

	target, err := repo.MessageByRealSource(ctx, s.DB, r.Target.Source, r.Target.SourceDevice, r.Target.SentAt)
	if err == repo.ErrNotFound {
		s.Pending.Add(r.Target, r)
		observability.PendingDepth.WithLabelValues("reaction").Set(float64(s.Pending.Len()))
		log.Debug().Str("source", r.Source).Str("emoji", r.Emoji).
			Msg("reaction: target not yet arrived, buffering")
		return nil
	}
	if err != nil {
		return err
	}
	live, _ := s.Registry.Register(target)
	return s.apply(ctx, live, r)
}

// ApplyPendingFor resolves any reaction buffered for the just-registered
// message's own real-source triple and applies it.
func (s *ReactionService) ApplyPendingFor(ctx context.Context, msg *domain.Message) error {
	key := pending.Key{Source: msg.Source, SourceDevice: msg.SourceDevice, SentAt: msg.SentAt}
	r, ok := s.Pending.Resolve(key)
	observability.PendingDepth.WithLabelValues("reaction").Set(float64(s.Pending.Len()))
	if !ok {
		return nil
	}
	log.Debug().Str("message", msg.ID).Msg("reaction: applying buffered reaction to fresh target")
	return s.apply(ctx, msg, r)
}

// apply mutates the target's per-emoji reactor set on its conversation's
// serialized queue and persists the result.
func (s *ReactionService) apply(ctx context.Context, target *domain.Message, r Reaction) error {
	return s.Queue.Submit(ctx, target.ConversationID, func(ctx context.Context) error {
		set, err := target.ReactionSet()
		if err != nil {
			return err
		}
		reactors := set[r.Emoji]
		idx := -1
		for i, who := range reactors {
			if who == r.Source {
				idx = i
				break
			}
		}
		switch {
		case r.Remove && idx >= 0:
			reactors = append(reactors[:idx], reactors[idx+1:]...)
		case !r.Remove && idx < 0:
			reactors = append(reactors, r.Source)
		default:
			return nil // no-op: duplicate add or removal of an absent reaction
		}
		if len(reactors) == 0 {
			delete(set, r.Emoji)
		} else {
			set[r.Emoji] = reactors
		}
		if err := target.SetReactionSet(set); err != nil {
			return err
		}
		return repo.SaveMessage(ctx, s.DB, target)
	})
}
