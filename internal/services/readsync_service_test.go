package services

import (
	"context"
	"testing"

	"github.com/tasset/go-messenger-core/internal/domain"
)

func TestHandleReadSyncs_ExplicitMergesUnderDeviceIdentity(t *testing.T) {
	db := newTestDB(t)
	seedDirect(t, db, "c1", "alice")
	svc := &ReadSyncService{DB: db, SelfID: "self"}

	in := &ReadPositionInput{ConversationID: "c1", ReadAt: 50, MaxServerTimestamp: 700}
	if err := svc.HandleReadSyncs(context.Background(), 3, nil, in); err != nil {
		t.Fatalf("HandleReadSyncs: %v", err)
	}

	p := mustPosition(t, db, "c1", "self", 3)
	if p.MaxServerTimestamp != 700 || p.ReadAt != 50 {
		t.Fatalf("unexpected position: %+v", p)
	}
	// The devices are independent identities: device 2 has no position.
	assertNoPosition(t, db, "c1", "self", 2)
}

func TestHandleReadSyncs_ExplicitWithoutConversation(t *testing.T) {
	svc := &ReadSyncService{DB: newTestDB(t), SelfID: "self"}
	err := svc.HandleReadSyncs(context.Background(), 2, nil, &ReadPositionInput{ReadAt: 1})
	if err != ErrInvalidReadPosition {
		t.Fatalf("expected ErrInvalidReadPosition, got %v", err)
	}
}

// Legacy entries fold into one candidate per conversation, keeping the entry
// whose matched message carries the largest server timestamp.
func TestHandleReadSyncs_LegacyFoldsPerConversation(t *testing.T) {
	db := newTestDB(t)
	seedDirect(t, db, "c1", "alice")
	seedDirect(t, db, "c2", "bob")
	seedMessage(t, db, domain.Message{ConversationID: "c1", Source: "alice", SentAt: 100, ServerTimestamp: 1000})
	seedMessage(t, db, domain.Message{ConversationID: "c1", Source: "alice", SentAt: 200, ServerTimestamp: 2000, NotifySequenceID: 9})
	seedMessage(t, db, domain.Message{ConversationID: "c2", Source: "bob", SentAt: 300, ServerTimestamp: 500})
	svc := &ReadSyncService{DB: db, SelfID: "self"}

	syncs := []ReadSync{
		{Source: "alice", Timestamp: 200, ReadAt: 20},
		{Source: "alice", Timestamp: 100, ReadAt: 30},
		{Source: "bob", Timestamp: 300, ReadAt: 40},
	}
	if err := svc.HandleReadSyncs(context.Background(), 2, syncs, nil); err != nil {
		t.Fatalf("HandleReadSyncs: %v", err)
	}

	p1 := mustPosition(t, db, "c1", "self", 2)
	if p1.MaxServerTimestamp != 2000 || p1.ReadAt != 20 || p1.MaxNotifySequenceID != 9 {
		t.Fatalf("c1 position = %+v, want the ts=2000 entry", p1)
	}
	p2 := mustPosition(t, db, "c2", "self", 2)
	if p2.MaxServerTimestamp != 500 || p2.ReadAt != 40 {
		t.Fatalf("c2 position = %+v", p2)
	}
}

func TestHandleReadSyncs_LegacySkipsInvalidAndUnmatched(t *testing.T) {
	db := newTestDB(t)
	seedDirect(t, db, "c1", "alice")
	seedMessage(t, db, domain.Message{ConversationID: "c1", Source: "alice", SentAt: 100, ServerTimestamp: 1000})
	svc := &ReadSyncService{DB: db, SelfID: "self"}

	syncs := []ReadSync{
		{Source: "", Timestamp: 100, ReadAt: 1},      // missing source
		{Source: "alice", Timestamp: 0, ReadAt: 1},   // missing timestamp
		{Source: "carol", Timestamp: 100, ReadAt: 1}, // wrong source for the row
		{Source: "alice", Timestamp: 999, ReadAt: 1}, // no row at all
	}
	if err := svc.HandleReadSyncs(context.Background(), 2, syncs, nil); err != nil {
		t.Fatalf("invalid entries must not abort the batch: %v", err)
	}
	assertNoPosition(t, db, "c1", "self", 2)
}

func TestHandleReadSyncs_MonotonicAcrossBatches(t *testing.T) {
	db := newTestDB(t)
	seedDirect(t, db, "c1", "alice")
	seedMessage(t, db, domain.Message{ConversationID: "c1", Source: "alice", SentAt: 100, ServerTimestamp: 1000})
	seedMessage(t, db, domain.Message{ConversationID: "c1", Source: "alice", SentAt: 200, ServerTimestamp: 2000})
	svc := &ReadSyncService{DB: db, SelfID: "self"}
	ctx := context.Background()

	if err := svc.HandleReadSyncs(ctx, 2, []ReadSync{{Source: "alice", Timestamp: 200, ReadAt: 10}}, nil); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// A later batch referencing only the older message is stale.
	if err := svc.HandleReadSyncs(ctx, 2, []ReadSync{{Source: "alice", Timestamp: 100, ReadAt: 20}}, nil); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	p := mustPosition(t, db, "c1", "self", 2)
	if p.MaxServerTimestamp != 2000 || p.ReadAt != 10 {
		t.Fatalf("position regressed: %+v", p)
	}
}
