// Package domain defines the persistence models for conversations, messages,
// and read positions. These types are mapped with GORM and form the core data
// layer of the messaging client: the persisted store is the source of truth,
// and the in-memory registry only caches live instances of these rows.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Message modes. A confidential message is acknowledged per-reader instead of
// advancing the conversation read position, and self-deletes on completion.
const (
	ModeNormal       = 0
	ModeConfidential = 1
)

// Conversation represents a chat thread, either a 1:1 conversation with a
// single peer or a group. The core only needs enough of the aggregate to
// resolve which conversation a receipt or recall targets; membership for
// groups lives in GroupMember rows.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Type: "direct" or "group" (enforced by DB constraint).
//   - PeerID: the remote user for direct conversations; empty for groups.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID        string         `json:"id"      gorm:"type:char(36);primaryKey"`
	Type      string         `json:"type"    gorm:"type:varchar(16);not null;check:type IN ('direct','group')"`
	PeerID    string         `json:"peer_id" gorm:"type:varchar(64);index:idx_conv_peer"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"       gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// GroupMember links a user to a group conversation. Receipt reconciliation
// uses it to answer "which groups does this reader belong to".
type GroupMember struct {
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);primaryKey;index:idx_member_user"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for GroupMember.
func (GroupMember) TableName() string { return "group_members" }

// Message is a single message row. Beyond identity it carries the lifecycle
// state the core reconciles: expiry, recall back-references, per-emoji
// reactions, and the per-reader acknowledgment set of confidential messages.
//
// Identity fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: owning conversation (indexed).
//   - Source / SourceDevice / SentAt: the "real source" triple that addresses
//     a message independently of its local storage id. Reactions, recalls and
//     receipts reference targets by this triple, so it carries a composite
//     index.
//   - ServerTimestamp: timestamp assigned by the server; drives read-position
//     monotonicity.
//   - NotifySequenceID: per-conversation notification sequence number.
//
// Lifecycle fields:
//   - ExpiresAt: absolute epoch millis; nil means the message never expires.
//     Immutable once set except through an explicit re-arm.
//   - RecalledBy: id of the recalling message once a recall has been applied.
//   - HasBeenRecalled: true once recalled; the body is considered gone.
//   - Reactions: JSON map of emoji -> set of reactor ids.
//   - ConfidentialReadBy: JSON list of reader ids who acknowledged a
//     confidential message.
type Message struct {
	ID               string `json:"id"               gorm:"type:char(36);primaryKey"`
	ConversationID   string `json:"conversation_id"  gorm:"type:char(36);not null;index:idx_conv_msgs"`
	Source           string `json:"source"           gorm:"type:varchar(64);not null;index:idx_real_source,priority:1"`
	SourceDevice     int    `json:"source_device"    gorm:"not null;default:1;index:idx_real_source,priority:2"`
	SentAt           int64  `json:"sent_at"          gorm:"not null;index:idx_real_source,priority:3"`
	ServerTimestamp  int64  `json:"server_timestamp" gorm:"not null;default:0"`
	NotifySequenceID int64  `json:"notify_sequence_id" gorm:"not null;default:0"`
	Mode             int    `json:"mode"             gorm:"not null;default:0"`
	Body             string `json:"body"             gorm:"type:text"`

	ExpiresAt          *int64 `json:"expires_at,omitempty" gorm:"index:idx_msg_expires"`
	RecalledBy         string `json:"recalled_by,omitempty" gorm:"type:char(36)"`
	HasBeenRecalled    bool   `json:"has_been_recalled" gorm:"not null;default:false"`
	Reactions          string `json:"reactions,omitempty" gorm:"type:text"`
	ConfidentialReadBy string `json:"confidential_read_by,omitempty" gorm:"type:text"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// IsExpired reports whether the message's expiry deadline has passed at now
// (epoch millis). Messages without a deadline never expire.
func (m *Message) IsExpired(now int64) bool {
	return m.ExpiresAt != nil && *m.ExpiresAt <= now
}

// ReactionSet decodes the Reactions column. A missing or empty column decodes
// to an empty, usable map.
func (m *Message) ReactionSet() (map[string][]string, error) {
	out := map[string][]string{}
	if m.Reactions == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(m.Reactions), &out)
	return out, err
}

// SetReactionSet encodes and stores the per-emoji reactor sets.
func (m *Message) SetReactionSet(set map[string][]string) error {
	if len(set) == 0 {
		m.Reactions = ""
		return nil
	}
	b, err := json.Marshal(set)
	if err != nil {
		return err
	}
	m.Reactions = string(b)
	return nil
}

// ConfidentialReaders decodes the acknowledgment set of a confidential message.
func (m *Message) ConfidentialReaders() ([]string, error) {
	if m.ConfidentialReadBy == "" {
		return nil, nil
	}
	var out []string
	err := json.Unmarshal([]byte(m.ConfidentialReadBy), &out)
	return out, err
}

// AddConfidentialReader records reader in the acknowledgment set. It returns
// true if the reader was newly added, false if already present.
func (m *Message) AddConfidentialReader(reader string) (bool, error) {
	readers, err := m.ConfidentialReaders()
	if err != nil {
		return false, err
	}
	for _, r := range readers {
		if r == reader {
			return false, nil
		}
	}
	readers = append(readers, reader)
	b, err := json.Marshal(readers)
	if err != nil {
		return false, err
	}
	m.ConfidentialReadBy = string(b)
	return true, nil
}

// ReadPosition is the latest point, per conversation and per reader (or per
// own device for read-syncs), up to which messages are considered read. It is
// written only by the receipt reconciler under the monotonic merge rule: the
// position never regresses to an earlier ServerTimestamp, and on an exact
// timestamp tie the earlier ReadAt wins. At most one row exists per
// (conversation, reader, source_device) tuple.
type ReadPosition struct {
	ID                  string `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID      string `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_read_pos,priority:1"`
	Reader              string `json:"reader"          gorm:"type:varchar(64);not null;uniqueIndex:ux_read_pos,priority:2"`
	SourceDevice        int    `json:"source_device"   gorm:"not null;default:0;uniqueIndex:ux_read_pos,priority:3"`
	ReadAt              int64  `json:"read_at"             gorm:"not null"`
	MaxServerTimestamp  int64  `json:"max_server_timestamp" gorm:"not null"`
	MaxNotifySequenceID int64  `json:"max_notify_sequence_id" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ReadPosition.
func (ReadPosition) TableName() string { return "read_positions" }

// Supersedes reports whether p should replace old under the monotonic merge
// rule. A nil old position is always superseded.
func (p *ReadPosition) Supersedes(old *ReadPosition) bool {
	if old == nil {
		return true
	}
	if p.MaxServerTimestamp != old.MaxServerTimestamp {
		return p.MaxServerTimestamp > old.MaxServerTimestamp
	}
	return p.ReadAt < old.ReadAt
}

// ProcessedEnvelope records an envelope the core has already handled, keyed by
// protocol kind and the sender's real-source triple. It makes reaction,
// recall, receipt and read-sync handling safe against transport redelivery.
// Rows expire after a TTL and are pruned opportunistically.
type ProcessedEnvelope struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	Kind         string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_envelope,priority:1"`
	Source       string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_envelope,priority:2"`
	SourceDevice int       `gorm:"not null;uniqueIndex:ux_envelope,priority:3"`
	SentAt       int64     `gorm:"not null;uniqueIndex:ux_envelope,priority:4"`
	CreatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt    time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName returns the database table name for ProcessedEnvelope.
func (ProcessedEnvelope) TableName() string { return "processed_envelopes" }
