// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// ProcessedEnvelope model used to suppress duplicate envelope deliveries.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasset/go-messenger-core/internal/domain"
)

// ErrDuplicate indicates that an envelope with the same (kind, source,
// source_device, sent_at) tuple has already been processed.
var ErrDuplicate = errors.New("duplicate")

// MarkEnvelopeProcessed records that an envelope has been handled. It returns
// ErrDuplicate when a live record for the tuple already exists, which callers
// treat as "drop this redelivery".
func MarkEnvelopeProcessed(ctx context.Context, db *gorm.DB, kind, source string, sourceDevice int, sentAt int64, ttl time.Duration) error {
	now := time.Now().UTC()
	rec := &domain.ProcessedEnvelope{
		ID:           uuid.NewString(),
		Kind:         kind,
		Source:       source,
		SourceDevice: sourceDevice,
		SentAt:       sentAt,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ClearEnvelopeProcessed releases the dedup claim for a tuple. Called when
// handling the envelope failed after the claim was recorded, so a transport
// redelivery is processed instead of dropped.
func ClearEnvelopeProcessed(ctx context.Context, db *gorm.DB, kind, source string, sourceDevice int, sentAt int64) error {
	return db.WithContext(ctx).
		Where("kind = ? AND source = ? AND source_device = ? AND sent_at = ?",
			kind, source, sourceDevice, sentAt).
		Delete(&domain.ProcessedEnvelope{}).Error
}

// PruneProcessedEnvelopes removes expired dedup records. Invoked
// opportunistically from the registry sweep loop.
func PruneProcessedEnvelopes(ctx context.Context, db *gorm.DB, now time.Time) error {
	return db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedEnvelope{}).Error
}

// isUniqueViolation detects a unique-constraint failure on the sqlite driver,
// which surfaces as a plain error string rather than a typed error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
