// Package services – ReadSyncService
//
// This file implements the read-sync flow: one of the local user's other
// devices announces what it has read. Structurally symmetric to the receipt
// flow but keyed by the announcing device rather than a cross-user reader.
// The legacy compatibility path carries per-message entries; when no explicit
// read position is supplied, one position per conversation is derived from
// the maximum server timestamp among that conversation's synced entries.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasset/go-messenger-core/internal/coalesce"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/repo"
)

// ReadSyncService reconciles read-syncs from the local user's other devices
// into conversation read positions.
type ReadSyncService struct {
	DB     *gorm.DB
	SelfID string
	Notify *coalesce.Batcher[string]
}

// HandleReadSyncs processes one device's batch of read-syncs. When an
// explicit position is supplied it wins over the legacy entries. Entries
// that cannot be resolved are logged and skipped individually.
func (s *ReadSyncService) HandleReadSyncs(ctx context.Context, sourceDevice int, syncs []ReadSync, explicit *ReadPositionInput) error {
	tr := otel.Tracer("services/ReadSyncService")
	ctx, span := tr.Start(ctx, "HandleReadSyncs",
		trace.WithAttributes(
			attribute.Int("source_device", sourceDevice),
			attribute.Int("syncs", len(syncs)),
		),
	)
	defer span.End()

	if explicit != nil {
		if explicit.ConversationID == "" {
			return ErrInvalidReadPosition
		}
		mergeReadPosition(ctx, s.DB, s.Notify, "read_sync", explicit.ConversationID, s.SelfID, sourceDevice, explicit)
		return nil
	}

	// Legacy path: fold the entries into one candidate position per
	// conversation, keeping the entry with the largest server timestamp.
	perConversation := make(map[string]*ReadPositionInput)
	for _, sync := range syncs {
		if sync.Timestamp == 0 || sync.Source == "" {
			observability.ReceiptsProcessed.WithLabelValues("read_sync", "invalid").Inc()
			continue
		}
		msgs, err := repo.MessagesBySentAt(ctx, s.DB, sync.Timestamp)
		if err != nil {
			log.Warn().Err(err).Int64("sent_at", sync.Timestamp).Msg("read-sync: lookup failed, skipping entry")
			observability.ReceiptsProcessed.WithLabelValues("read_sync", "skipped").Inc()
			continue
		}
		matched := false
		for i := range msgs {
			m := &msgs[i]
			if m.Source != sync.Source {
				continue
			}
			matched = true
			cur := perConversation[m.ConversationID]
			if cur == nil || m.ServerTimestamp > cur.MaxServerTimestamp {
				perConversation[m.ConversationID] = &ReadPositionInput{
					ConversationID:      m.ConversationID,
					ReadAt:              sync.ReadAt,
					MaxServerTimestamp:  m.ServerTimestamp,
					MaxNotifySequenceID: m.NotifySequenceID,
				}
			}
		}
		if !matched {
			log.Warn().Str("source", sync.Source).Int64("sent_at", sync.Timestamp).
				Msg("read-sync: no local message matches, skipping entry")
			observability.ReceiptsProcessed.WithLabelValues("read_sync", "skipped").Inc()
		}
	}

	for conversationID, in := range perConversation {
		mergeReadPosition(ctx, s.DB, s.Notify, "read_sync", conversationID, s.SelfID, sourceDevice, in)
	}
	return nil
}
