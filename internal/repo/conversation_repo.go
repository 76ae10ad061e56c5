// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation aggregate and group membership, which receipt reconciliation
// uses to resolve a reader's target conversation.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasset/go-messenger-core/internal/domain"
)

// CreateConversation inserts a new conversation row with a UUID primary key.
func CreateConversation(ctx context.Context, db *gorm.DB, convType, peerID string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Type:      convType,
		PeerID:    peerID,
		CreatedAt: time.Now().UTC(),
	}
	return c, db.WithContext(ctx).Create(c).Error
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DirectConversationWith returns the 1:1 conversation whose peer is userID,
// or ErrNotFound.
func DirectConversationWith(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("type = ? AND peer_id = ?", domain.ConversationDirect, userID).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// AddGroupMember records userID as a member of the given group conversation.
func AddGroupMember(ctx context.Context, db *gorm.DB, conversationID, userID string) error {
	return db.WithContext(ctx).Create(&domain.GroupMember{
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	}).Error
}

// GroupsForMember returns the ids of all group conversations userID belongs
// to. An empty result is normal, not an error.
func GroupsForMember(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.GroupMember{}).
		Where("user_id = ?", userID).
		Pluck("conversation_id", &ids).Error
	return ids, err
}

// ListConversationsPage returns a page of conversations ordered by creation
// time descending, for the ops API.
func ListConversationsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Order("created_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountConversations returns the total number of conversations.
func CountConversations(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Conversation{}).Count(&total).Error
	return total, err
}
