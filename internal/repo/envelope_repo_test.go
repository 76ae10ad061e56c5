package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tasset/go-messenger-core/internal/domain"
)

func TestMarkEnvelopeProcessed_Duplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := MarkEnvelopeProcessed(ctx, db, "reaction", "alice", 1, 100, time.Hour); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := MarkEnvelopeProcessed(ctx, db, "reaction", "alice", 1, 100, time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Any component of the tuple makes it a distinct envelope.
	for _, tc := range []struct {
		kind   string
		source string
		device int
		sentAt int64
	}{
		{"recall", "alice", 1, 100},
		{"reaction", "bob", 1, 100},
		{"reaction", "alice", 2, 100},
		{"reaction", "alice", 1, 101},
	} {
		if err := MarkEnvelopeProcessed(ctx, db, tc.kind, tc.source, tc.device, tc.sentAt, time.Hour); err != nil {
			t.Fatalf("mark %+v: %v", tc, err)
		}
	}
}

func TestPruneProcessedEnvelopes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := MarkEnvelopeProcessed(ctx, db, "receipt", "alice", 1, 100, time.Minute); err != nil {
		t.Fatalf("mark short-lived: %v", err)
	}
	if err := MarkEnvelopeProcessed(ctx, db, "receipt", "bob", 1, 200, time.Hour); err != nil {
		t.Fatalf("mark long-lived: %v", err)
	}

	if err := PruneProcessedEnvelopes(ctx, db, time.Now().UTC().Add(10*time.Minute)); err != nil {
		t.Fatalf("PruneProcessedEnvelopes: %v", err)
	}

	var rows []domain.ProcessedEnvelope
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != "bob" {
		t.Fatalf("prune kept wrong rows: %+v", rows)
	}

	// After expiry the tuple becomes markable again.
	if err := MarkEnvelopeProcessed(ctx, db, "receipt", "alice", 1, 100, time.Hour); err != nil {
		t.Fatalf("re-mark after prune: %v", err)
	}
}
