// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the expiry queries consumed by the expiration scheduler
// and the real-source lookups consumed by recall/reaction resolution.
//
// Error semantics:
//   - Single-row lookups return ErrNotFound when no row matches.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Deletion is two-phase: BulkDeleteMessages soft-deletes the rows (fast, the
// path the sweep batches sit on), and DrainRemovals hard-purges soft-deleted
// rows afterwards. The sweep awaits the drain between batches so a busy store
// is never asked to stack purge work.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasset/go-messenger-core/internal/domain"
)

// CreateMessage inserts a new message row, assigning a UUID when absent.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by primary key, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// MessagesBySentAt returns all messages carrying the given sender timestamp,
// ordered deterministically. Legacy receipts address targets by sent
// timestamp alone, so several rows may match.
func MessagesBySentAt(ctx context.Context, db *gorm.DB, sentAt int64) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("sent_at = ?", sentAt).
		Order("server_timestamp ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MessageByRealSource fetches the message addressed by the (source,
// sourceDevice, sentAt) triple, or ErrNotFound.
func MessageByRealSource(ctx context.Context, db *gorm.DB, source string, sourceDevice int, sentAt int64) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("source = ? AND source_device = ? AND sent_at = ?", source, sourceDevice, sentAt).
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// SaveMessage persists all fields of an already-loaded message row.
func SaveMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	return db.WithContext(ctx).Save(m).Error
}

// EarliestExpiry returns the smallest expires_at among live messages that
// have one set. The second result is false when no message expires.
func EarliestExpiry(ctx context.Context, db *gorm.DB) (int64, bool, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("expires_at IS NOT NULL").
		Order("expires_at ASC").
		First(&m).Error
	if err != nil {
		if notFound(err) == ErrNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return *m.ExpiresAt, true, nil
}

// ExpiredBefore returns messages whose expiry deadline is at or before now
// (epoch millis), in ascending deadline order. limit <= 0 means no limit.
func ExpiredBefore(ctx context.Context, db *gorm.DB, now int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// BulkDeleteMessages soft-deletes all rows for the given ids in one statement.
// Unknown ids are ignored.
func BulkDeleteMessages(ctx context.Context, db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Message{}).Error
}

// DrainRemovals hard-purges previously soft-deleted message rows. It is the
// drain signal of the store's removal queue: once it returns, the rows
// deleted by earlier BulkDeleteMessages calls are gone for good.
func DrainRemovals(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Unscoped().
		Where("deleted_at IS NOT NULL").
		Delete(&domain.Message{}).Error
}

// RearmExpiry sets a new expiry deadline on a message. This is the only
// write path allowed to change expires_at after creation.
func RearmExpiry(ctx context.Context, db *gorm.DB, id string, expiresAt int64) error {
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Update("expires_at", expiresAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
