// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ReadPosition
// rows. The monotonic merge rule itself lives in the service layer; the
// repository only reads and replaces rows.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasset/go-messenger-core/internal/domain"
)

// GetReadPosition fetches the stored position for (conversation, reader,
// sourceDevice), or ErrNotFound.
func GetReadPosition(ctx context.Context, db *gorm.DB, conversationID, reader string, sourceDevice int) (*domain.ReadPosition, error) {
	var p domain.ReadPosition
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND reader = ? AND source_device = ?", conversationID, reader, sourceDevice).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpsertReadPosition replaces the row for the position's (conversation,
// reader, source_device) tuple, inserting it when absent. The newer position
// fully replaces the older; two rows for the same tuple never coexist.
func UpsertReadPosition(ctx context.Context, db *gorm.DB, p *domain.ReadPosition) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "reader"}, {Name: "source_device"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"read_at", "max_server_timestamp", "max_notify_sequence_id", "updated_at",
		}),
	}).Create(p).Error
}

// ListReadPositions returns all stored positions for a conversation, ordered
// by reader then device, for the ops API.
func ListReadPositions(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.ReadPosition, error) {
	var out []domain.ReadPosition
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("reader ASC, source_device ASC")
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
