// Package services – ReceiptService
//
// This file implements the read-receipt flow: a remote reader acknowledges
// messages the local user sent. Receipts arrive in two shapes: the modern
// path carries an explicit, already-resolved read position; the legacy path
// carries bare sender timestamps whose target messages and conversations must
// be resolved locally (direct conversation with the reader, or a group the
// reader belongs to).
//
// Both shapes converge on the same monotonic merge of the per-(conversation,
// reader) read position: a new position replaces the stored one iff its
// MaxServerTimestamp is greater, or equal with an earlier ReadAt. Merged
// changes are persisted and announced through a coalescing batcher so bursts
// collapse into one notification per conversation.
//
// Confidential messages bypass read positions entirely: their receipts update
// the per-message acknowledgment set and trigger the completion policy check.
//
// Observability: public methods are OpenTelemetry-instrumented; per-item
// outcomes feed the receipts counter.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasset/go-messenger-core/internal/coalesce"
	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/events"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/registry"
	"github.com/tasset/go-messenger-core/internal/repo"
)

// deviceAny marks read positions asserted by a remote reader, where the
// reader's device is not part of the position's identity.
const deviceAny = 0

// ReceiptService reconciles incoming read receipts into conversation read
// positions.
type ReceiptService struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Sink     events.ConversationSink
	Policy   events.ConfidentialPolicy

	// SelfID is the local user; legacy receipts only apply to messages the
	// local user sent.
	SelfID string

	// Notify batches "read position changed" signals per conversation.
	Notify *coalesce.Batcher[string]
}

// HandleReadReceipts processes one reader's batch of receipts. When an
// explicit position is supplied the legacy entries are ignored in its favor.
// Resolution failures skip the single entry and never abort the batch.
func (s *ReceiptService) HandleReadReceipts(ctx context.Context, reader string, receipts []Receipt, explicit *ReadPositionInput) error {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "HandleReadReceipts",
		trace.WithAttributes(
			attribute.String("reader", reader),
			attribute.Int("receipts", len(receipts)),
		),
	)
	defer span.End()

	if reader == "" {
		return ErrInvalidReceipt
	}

	if explicit != nil {
		if explicit.ConversationID == "" {
			return ErrInvalidReadPosition
		}
		s.mergePosition(ctx, explicit.ConversationID, reader, deviceAny, explicit)
		return nil
	}

	// Per-batch memo of the reader's group memberships.
	var readerGroups map[string]struct{}

	for _, rc := range receipts {
		if rc.Timestamp == 0 {
			log.Warn().Str("reader", reader).Msg("receipts: dropping receipt without timestamp")
			observability.ReceiptsProcessed.WithLabelValues("receipt", "invalid").Inc()
			continue
		}
		msg, err := s.resolveTarget(ctx, reader, rc.Timestamp, &readerGroups)
		if err != nil {
			log.Warn().Err(err).Str("reader", reader).Int64("sent_at", rc.Timestamp).
				Msg("receipts: skipping unresolvable receipt")
			observability.ReceiptsProcessed.WithLabelValues("receipt", "skipped").Inc()
			continue
		}

		if msg.Mode == domain.ModeConfidential {
			s.acknowledgeConfidential(ctx, msg, reader)
			continue
		}

		s.mergePosition(ctx, msg.ConversationID, reader, deviceAny, &ReadPositionInput{
			ConversationID:      msg.ConversationID,
			ReadAt:              rc.EnvelopedAt,
			MaxServerTimestamp:  msg.ServerTimestamp,
			MaxNotifySequenceID: msg.NotifySequenceID,
		})
	}
	return nil
}

// resolveTarget finds the outgoing message a legacy receipt refers to: same
// sent timestamp, sent by the local user, in a conversation the reader can
// see (their direct thread or a group they belong to). groups memoizes the
// reader's group set across the batch.
func (s *ReceiptService) resolveTarget(ctx context.Context, reader string, sentAt int64, groups *map[string]struct{}) (*domain.Message, error) {
	msgs, err := repo.MessagesBySentAt(ctx, s.DB, sentAt)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Source != s.SelfID {
			continue
		}
		conv, err := repo.GetConversation(ctx, s.DB, m.ConversationID)
		if err != nil {
			continue
		}
		switch conv.Type {
		case domain.ConversationDirect:
			if conv.PeerID == reader {
				return s.liveInstance(m), nil
			}
		case domain.ConversationGroup:
			if *groups == nil {
				ids, err := repo.GroupsForMember(ctx, s.DB, reader)
				if err != nil {
					return nil, err
				}
				*groups = make(map[string]struct{}, len(ids))
				for _, id := range ids {
					(*groups)[id] = struct{}{}
				}
			}
			if _, ok := (*groups)[conv.ID]; ok {
				return s.liveInstance(m), nil
			}
		}
	}
	return nil, ErrNoMatchingConversation
}

// liveInstance routes a loaded row through the registry so all flows mutate
// the one live object for that id.
func (s *ReceiptService) liveInstance(m *domain.Message) *domain.Message {
	if s.Registry == nil {
		return m
	}
	live, _ := s.Registry.Register(m)
	return live
}

// acknowledgeConfidential records the reader in the message's acknowledgment
// set and hands completion to the confidentiality policy. Read positions are
// never advanced for confidential messages.
func (s *ReceiptService) acknowledgeConfidential(ctx context.Context, msg *domain.Message, reader string) {
	added, err := msg.AddConfidentialReader(reader)
	if err != nil {
		log.Warn().Err(err).Str("message", msg.ID).Msg("receipts: bad confidential reader set")
		observability.ReceiptsProcessed.WithLabelValues("receipt", "skipped").Inc()
		return
	}
	if !added {
		observability.ReceiptsProcessed.WithLabelValues("receipt", "duplicate").Inc()
		return
	}
	if err := repo.SaveMessage(ctx, s.DB, msg); err != nil {
		log.Warn().Err(err).Str("message", msg.ID).Msg("receipts: persisting confidential ack failed")
		observability.ReceiptsProcessed.WithLabelValues("receipt", "skipped").Inc()
		return
	}
	observability.ReceiptsProcessed.WithLabelValues("receipt", "confidential").Inc()
	if s.Policy != nil {
		s.Policy.CheckComplete(msg)
	}
}

// mergePosition applies the monotonic merge rule for one position and, on
// acceptance, persists the replacement and signals the change batcher.
func (s *ReceiptService) mergePosition(ctx context.Context, conversationID, reader string, device int, in *ReadPositionInput) {
	mergeReadPosition(ctx, s.DB, s.Notify, "receipt", conversationID, reader, device, in)
}

// mergeReadPosition is the shared "update conversation read position"
// primitive both the receipt and read-sync flows converge on.
func mergeReadPosition(ctx context.Context, db *gorm.DB, notify *coalesce.Batcher[string], kind, conversationID, reader string, device int, in *ReadPositionInput) {
	next := &domain.ReadPosition{
		ConversationID:      conversationID,
		Reader:              reader,
		SourceDevice:        device,
		ReadAt:              in.ReadAt,
		MaxServerTimestamp:  in.MaxServerTimestamp,
		MaxNotifySequenceID: in.MaxNotifySequenceID,
	}

	old, err := repo.GetReadPosition(ctx, db, conversationID, reader, device)
	if err != nil && err != repo.ErrNotFound {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("receipts: read-position lookup failed")
		observability.ReceiptsProcessed.WithLabelValues(kind, "skipped").Inc()
		return
	}

	if !next.Supersedes(old) {
		observability.ReceiptsProcessed.WithLabelValues(kind, "stale").Inc()
		return
	}
	if err := repo.UpsertReadPosition(ctx, db, next); err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("receipts: read-position upsert failed")
		observability.ReceiptsProcessed.WithLabelValues(kind, "skipped").Inc()
		return
	}
	observability.ReceiptsProcessed.WithLabelValues(kind, "merged").Inc()
	if notify != nil {
		notify.Signal(conversationID)
	}
}
