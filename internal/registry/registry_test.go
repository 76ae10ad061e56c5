package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/tasset/go-messenger-core/internal/domain"
)

func msgWithExpiry(id string, expiresAt int64) *domain.Message {
	return &domain.Message{ID: id, ConversationID: "c1", ExpiresAt: &expiresAt}
}

func TestRegister_DeduplicatesById(t *testing.T) {
	r := New(nil)

	first := &domain.Message{ID: "m1", ConversationID: "c1", Body: "original"}
	got, fresh := r.Register(first)
	if !fresh || got != first {
		t.Fatalf("first Register: fresh=%v got=%p want=%p", fresh, got, first)
	}

	// A second load of the same id must converge on the first instance.
	second := &domain.Message{ID: "m1", ConversationID: "c1", Body: "reloaded"}
	got2, fresh2 := r.Register(second)
	if fresh2 {
		t.Fatalf("second Register reported fresh")
	}
	if got2 != first {
		t.Fatalf("second Register returned %p; want the original instance %p", got2, first)
	}
	if got2.Body != "original" {
		t.Fatalf("cached instance mutated: %q", got2.Body)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d; want 1", r.Len())
	}
}

func TestRegister_ConcurrentLoadersConverge(t *testing.T) {
	r := New(nil)

	const n = 32
	results := make([]*domain.Message, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _ := r.Register(&domain.Message{ID: "m1", ConversationID: "c1"})
			results[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("loader %d got a different instance", i)
		}
	}
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	now := time.Now()
	clock := now
	r := New(nil, WithIdleThreshold(time.Minute), WithClock(func() time.Time { return clock }))

	r.Register(&domain.Message{ID: "idle", ConversationID: "c1"})

	// Advance past the threshold, then touch a second entry so only the
	// first is stale.
	clock = now.Add(2 * time.Minute)
	r.Register(&domain.Message{ID: "fresh", ConversationID: "c1"})

	r.Sweep()

	if _, ok := r.GetByID("idle"); ok {
		t.Fatalf("idle entry survived sweep")
	}
	if _, ok := r.GetByID("fresh"); !ok {
		t.Fatalf("fresh entry evicted")
	}
}

func TestSweep_RegisterRefreshesRecency(t *testing.T) {
	now := time.Now()
	clock := now
	r := New(nil, WithIdleThreshold(time.Minute), WithClock(func() time.Time { return clock }))

	r.Register(&domain.Message{ID: "m1", ConversationID: "c1"})

	// Re-registering inside the idle window refreshes lastTouched.
	clock = now.Add(50 * time.Second)
	r.Register(&domain.Message{ID: "m1", ConversationID: "c1"})

	clock = now.Add(100 * time.Second) // 50s since refresh, under threshold
	r.Sweep()
	if _, ok := r.GetByID("m1"); !ok {
		t.Fatalf("refreshed entry evicted")
	}

	clock = now.Add(3 * time.Minute)
	r.Sweep()
	if _, ok := r.GetByID("m1"); ok {
		t.Fatalf("stale entry survived")
	}
}

func TestSweep_WindowKeeperProtectsEntries(t *testing.T) {
	now := time.Now()
	clock := now
	keeper := WindowKeeperFunc(func(conversationID, messageID string) bool {
		return messageID == "visible"
	})
	r := New(keeper, WithIdleThreshold(time.Minute), WithClock(func() time.Time { return clock }))

	r.Register(&domain.Message{ID: "visible", ConversationID: "c1"})
	r.Register(&domain.Message{ID: "hidden", ConversationID: "c1"})

	clock = now.Add(time.Hour)
	r.Sweep()

	if _, ok := r.GetByID("visible"); !ok {
		t.Fatalf("window-referenced entry evicted")
	}
	if _, ok := r.GetByID("hidden"); ok {
		t.Fatalf("unreferenced idle entry survived")
	}
}

func TestGetByID_DoesNotRefreshRecency(t *testing.T) {
	now := time.Now()
	clock := now
	r := New(nil, WithIdleThreshold(time.Minute), WithClock(func() time.Time { return clock }))

	r.Register(&domain.Message{ID: "m1", ConversationID: "c1"})

	clock = now.Add(30 * time.Second)
	if _, ok := r.GetByID("m1"); !ok {
		t.Fatalf("entry missing")
	}

	// If GetByID had refreshed recency, the entry would survive this sweep.
	clock = now.Add(90 * time.Second)
	r.Sweep()
	if _, ok := r.GetByID("m1"); ok {
		t.Fatalf("GetByID refreshed recency")
	}
}

func TestExpiryIndex_OrderAndPrefixScan(t *testing.T) {
	r := New(nil)

	r.Register(msgWithExpiry("late", 300))
	r.Register(msgWithExpiry("early", 100))
	r.Register(msgWithExpiry("mid", 200))
	r.Register(&domain.Message{ID: "forever", ConversationID: "c1"}) // no deadline

	min, ok := r.NextExpiringTimestamp()
	if !ok || min != 100 {
		t.Fatalf("NextExpiringTimestamp = %d,%v; want 100,true", min, ok)
	}

	expired := r.ExpiredMessages(200)
	if len(expired) != 2 {
		t.Fatalf("ExpiredMessages(200) len = %d; want 2", len(expired))
	}
	if expired[0].ID != "early" || expired[1].ID != "mid" {
		t.Fatalf("expired order = %s,%s; want early,mid", expired[0].ID, expired[1].ID)
	}

	if got := r.ExpiredMessages(99); got != nil {
		t.Fatalf("ExpiredMessages(99) = %v; want nil", got)
	}
}

func TestExpiryIndex_TieBreakById(t *testing.T) {
	r := New(nil)

	r.Register(msgWithExpiry("b", 100))
	r.Register(msgWithExpiry("a", 100))

	expired := r.ExpiredMessages(100)
	if len(expired) != 2 || expired[0].ID != "a" || expired[1].ID != "b" {
		t.Fatalf("tie order wrong: %+v", expired)
	}
}

func TestUnregister_RemovesIndexElement(t *testing.T) {
	r := New(nil)

	r.Register(msgWithExpiry("m1", 100))
	r.Register(msgWithExpiry("m2", 200))

	r.Unregister("m1")

	min, ok := r.NextExpiringTimestamp()
	if !ok || min != 200 {
		t.Fatalf("after Unregister, NextExpiringTimestamp = %d,%v; want 200,true", min, ok)
	}

	r.Unregister("m2")
	if _, ok := r.NextExpiringTimestamp(); ok {
		t.Fatalf("index not empty after removing all entries")
	}

	// Idempotent on unknown ids.
	r.Unregister("m2")
}

func TestRearm_RepositionsDeadline(t *testing.T) {
	r := New(nil)

	r.Register(msgWithExpiry("m1", 500))
	r.Register(msgWithExpiry("m2", 300))

	if !r.Rearm("m1", 100) {
		t.Fatalf("Rearm returned false for cached id")
	}
	min, _ := r.NextExpiringTimestamp()
	if min != 100 {
		t.Fatalf("after rearm, min = %d; want 100", min)
	}

	// Rearm also sets a deadline on a message that had none.
	r.Register(&domain.Message{ID: "m3", ConversationID: "c1"})
	if !r.Rearm("m3", 50) {
		t.Fatalf("Rearm on deadline-less message failed")
	}
	min, _ = r.NextExpiringTimestamp()
	if min != 50 {
		t.Fatalf("after second rearm, min = %d; want 50", min)
	}

	if r.Rearm("ghost", 10) {
		t.Fatalf("Rearm returned true for unknown id")
	}
}
