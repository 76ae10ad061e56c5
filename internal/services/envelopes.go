// Package services – envelope payloads
//
// The transport layer delivers already-decoded envelopes; these are the typed
// payload shapes the reconciliation services consume. The core never parses
// wire bytes.
package services

import "github.com/tasset/go-messenger-core/internal/pending"

// Receipt is a legacy read receipt: the reader acknowledges a message by its
// sender timestamp only, with no conversation context, so the target must be
// resolved locally.
type Receipt struct {
	// Timestamp is the sent-at timestamp of the message that was read.
	Timestamp int64
	// EnvelopedAt is when the receipt was asserted; it becomes the merged
	// position's ReadAt.
	EnvelopedAt int64
}

// ReadPositionInput is the modern, already-resolved read position shape.
type ReadPositionInput struct {
	ConversationID      string
	ReadAt              int64
	MaxServerTimestamp  int64
	MaxNotifySequenceID int64
}

// ReadSync is a legacy read-sync entry from one of the local user's other
// devices: it references a received message by its original sender and
// sent-at timestamp.
type ReadSync struct {
	// Source is the original sender of the message that was read.
	Source string
	// Timestamp is the message's sent-at timestamp.
	Timestamp int64
	// ReadAt is when the other device read it.
	ReadAt int64
}

// Recall asks for one of the sender's own earlier messages to be withdrawn.
// The recall is itself a stored message (MessageID); its payload names the
// target by sent-at timestamp, and since only own messages can be recalled
// the target's source identity is the recall's own.
type Recall struct {
	// MessageID is the recalling message's own store id, kept as the
	// back-reference on the recalled target.
	MessageID    string
	Source       string
	SourceDevice int
	// SentAt is the recall message's own sender timestamp.
	SentAt int64
	// TargetSentAt is the sender timestamp of the message being recalled.
	TargetSentAt int64
}

// TargetKey returns the real-source triple of the message the recall
// addresses: the recall's own sender identity with the target's timestamp.
func (r Recall) TargetKey() pending.Key {
	return pending.Key{Source: r.Source, SourceDevice: r.SourceDevice, SentAt: r.TargetSentAt}
}

// OwnKey returns the recall message's own real-source triple.
func (r Recall) OwnKey() pending.Key {
	return pending.Key{Source: r.Source, SourceDevice: r.SourceDevice, SentAt: r.SentAt}
}

// Reaction attaches or removes an emoji on a target message addressed by its
// real-source triple.
type Reaction struct {
	Source       string
	SourceDevice int
	// SentAt is the reaction envelope's own sender timestamp.
	SentAt int64
	Emoji  string
	// Remove withdraws the reactor's emoji instead of adding it.
	Remove bool
	// Target addresses the message being reacted to.
	Target pending.Key
}

// OwnKey returns the reaction envelope's own real-source triple.
func (r Reaction) OwnKey() pending.Key {
	return pending.Key{Source: r.Source, SourceDevice: r.SourceDevice, SentAt: r.SentAt}
}
