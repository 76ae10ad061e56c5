// Package events defines the narrow capability interfaces through which the
// core notifies external collaborators. The UI layer implements these; the
// core never discovers collaborators through globals or an event bus.
package events

import "github.com/tasset/go-messenger-core/internal/domain"

// ConversationSink receives lifecycle notifications for a conversation's
// messages. NotifyExpired fires before the message is removed from the store
// so the UI can react first. NotifyReadPositionChanged is batched: many
// position updates within the coalescing window collapse into one call per
// conversation.
type ConversationSink interface {
	NotifyExpired(msg *domain.Message)
	NotifyRecalled(msg *domain.Message)
	NotifyReadPositionChanged(conversationID string)
}

// ConfidentialPolicy decides completion for confidential messages. The core
// records acknowledgments and invokes the check; the policy owner deletes the
// message when its completion condition (e.g. all recipients read) is met.
type ConfidentialPolicy interface {
	CheckComplete(msg *domain.Message)
}

// NopSink is a ConversationSink that ignores every notification. Useful for
// wiring and tests.
type NopSink struct{}

// NotifyExpired implements ConversationSink.
func (NopSink) NotifyExpired(*domain.Message) {}

// NotifyRecalled implements ConversationSink.
func (NopSink) NotifyRecalled(*domain.Message) {}

// NotifyReadPositionChanged implements ConversationSink.
func (NopSink) NotifyReadPositionChanged(string) {}
