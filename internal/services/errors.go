// Package services defines the reconciliation logic for receipts, read-syncs,
// recalls and reactions. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// All batch-oriented service loops isolate failures per item: one receipt or
// sync entry failing with one of these errors is logged and skipped, never
// aborting its siblings.
package services

import "errors"

var (
	// ErrMessageNotFound indicates that a receipt, recall or reaction could
	// not be resolved to a locally stored message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationNotFound indicates that a target conversation does not
	// exist locally.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidReceipt is returned when a receipt payload is malformed
	// (zero timestamp, missing reader).
	ErrInvalidReceipt = errors.New("invalid receipt payload")

	// ErrInvalidReadPosition is returned when an explicit read position is
	// missing its conversation.
	ErrInvalidReadPosition = errors.New("invalid read position payload")

	// ErrNoMatchingConversation indicates that a legacy receipt resolved to
	// messages, but none belonged to a conversation shared with the reader.
	ErrNoMatchingConversation = errors.New("no conversation matches reader")
)
