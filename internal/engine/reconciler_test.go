package engine

import (
	"fmt"
	"testing"

	"github.com/converge/chatsync/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test: Server echo correlated by nonce is never duplicated
// ---------------------------------------------------------------------------

func TestReconciler_NoDuplicateEchoByNonce(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	local := r.SendLocal("conv-1", "hello", protocol.KindText)

	r.ApplyRemote(protocol.Message{
		ID:             "srv-1",
		UserID:         "u-1",
		Content:        "hello",
		ConversationID: "conv-1",
		Nonce:          local.Nonce,
		Status:         protocol.StatusDelivered,
	})

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("expected server-assigned ID %q, got %q", "srv-1", msgs[0].ID)
	}
	if msgs[0].Status != protocol.StatusDelivered {
		t.Errorf("expected status %q, got %q", protocol.StatusDelivered, msgs[0].Status)
	}
}

// ---------------------------------------------------------------------------
// Test: Echo without a nonce falls back to the content+recency heuristic
// ---------------------------------------------------------------------------

func TestReconciler_NoDuplicateEchoByHeuristic(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	r.SendLocal("conv-1", "hello", protocol.KindText)

	// Server dropped the nonce; only author and content match.
	r.ApplyRemote(protocol.Message{
		ID:      "srv-1",
		UserID:  "u-1",
		Content: "hello",
	})

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("expected promoted ID %q, got %q", "srv-1", msgs[0].ID)
	}
}

// ---------------------------------------------------------------------------
// Test: Same-author frames with no outstanding optimistic send still append
// ---------------------------------------------------------------------------

func TestReconciler_OwnMessageFromOtherDeviceAppends(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	// Sent from another device: no local optimistic copy exists.
	r.ApplyRemote(protocol.Message{ID: "srv-9", UserID: "u-1", Content: "from my phone"})

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-9" {
		t.Errorf("expected ID %q, got %q", "srv-9", msgs[0].ID)
	}
}

// ---------------------------------------------------------------------------
// Test: Display order equals arrival order regardless of timestamps
// ---------------------------------------------------------------------------

func TestReconciler_OrderStability(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	// Timestamps deliberately out of order relative to arrival.
	stamps := []int64{500, 100, 900, 50}
	for i, ts := range stamps {
		r.ApplyRemote(protocol.Message{
			ID:        fmt.Sprintf("m-%d", i),
			UserID:    "u-2",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: ts,
		})
	}

	msgs := r.Messages()
	if len(msgs) != len(stamps) {
		t.Fatalf("expected %d messages, got %d", len(stamps), len(msgs))
	}
	for i := range stamps {
		want := fmt.Sprintf("m-%d", i)
		if msgs[i].ID != want {
			t.Errorf("position %d: expected %q, got %q (arrival order must win over timestamps)", i, want, msgs[i].ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: History merge skips known IDs and preserves server order
// ---------------------------------------------------------------------------

func TestReconciler_HistoryMergeSkipsKnown(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	r.ApplyRemote(protocol.Message{ID: "m-1", UserID: "u-2", Content: "first"})

	r.MergeHistory([]protocol.Message{
		{ID: "m-1", UserID: "u-2", Content: "first"},
		{ID: "m-2", UserID: "u-2", Content: "second"},
		{ID: "m-3", UserID: "u-2", Content: "third"},
	})

	msgs := r.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, msgs[i].ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: History containing the sender's own optimistic message deduplicates
// ---------------------------------------------------------------------------

func TestReconciler_HistoryMergeDeduplicatesOptimisticSend(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	r.SendLocal("conv-1", "hello", protocol.KindText)

	r.MergeHistory([]protocol.Message{
		{ID: "srv-1", UserID: "u-1", Content: "hello", ConversationID: "conv-1"},
		{ID: "srv-2", UserID: "u-2", Content: "hey back", ConversationID: "conv-1"},
	})

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("expected optimistic send promoted to %q, got %q", "srv-1", msgs[0].ID)
	}
	if msgs[1].ID != "srv-2" {
		t.Errorf("expected appended history entry %q, got %q", "srv-2", msgs[1].ID)
	}
}

// ---------------------------------------------------------------------------
// Test: Status promotion never regresses
// ---------------------------------------------------------------------------

func TestReconciler_PromoteMonotonic(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	local := r.SendLocal("conv-1", "hello", protocol.KindText)

	r.Promote(local.ID, protocol.StatusRead)
	// A late synthetic "delivered" must not regress the server-set "read".
	r.Promote(local.ID, protocol.StatusDelivered)

	msgs := r.Messages()
	if msgs[0].Status != protocol.StatusRead {
		t.Errorf("expected status %q after late delivered, got %q", protocol.StatusRead, msgs[0].Status)
	}
}

// ---------------------------------------------------------------------------
// Test: Synthetic receipt timers can still find an echoed message
// ---------------------------------------------------------------------------

func TestReconciler_PromoteByLocalIDAfterEcho(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	local := r.SendLocal("conv-1", "hello", protocol.KindText)
	r.ApplyRemote(protocol.Message{ID: "srv-1", UserID: "u-1", Nonce: local.Nonce, Content: "hello"})

	// A receipt timer armed before the echo still references the local ID.
	r.Promote(local.ID, protocol.StatusRead)

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Status != protocol.StatusRead {
		t.Errorf("expected status %q, got %q", protocol.StatusRead, msgs[0].Status)
	}
}

// ---------------------------------------------------------------------------
// Test: Edits append linked markers instead of mutating history
// ---------------------------------------------------------------------------

func TestReconciler_EditAppendsMarker(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	orig := r.SendLocal("conv-1", "helo", protocol.KindText)
	r.EditLocal("conv-1", orig.ID, "hello")

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected original plus marker, got %d entries", len(msgs))
	}
	if msgs[0].Content != "helo" {
		t.Errorf("original entry was mutated: %q", msgs[0].Content)
	}
	if msgs[1].EditOf != orig.ID {
		t.Errorf("expected marker linked to %q, got %q", orig.ID, msgs[1].EditOf)
	}
	if msgs[1].Content != "hello" {
		t.Errorf("expected marker content %q, got %q", "hello", msgs[1].Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Reset discards all local state
// ---------------------------------------------------------------------------

func TestReconciler_Reset(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetUser("u-1")

	r.SendLocal("conv-1", "one", protocol.KindText)
	r.ApplyRemote(protocol.Message{ID: "m-2", UserID: "u-2", Content: "two"})
	r.Reset()

	if got := len(r.Messages()); got != 0 {
		t.Fatalf("expected empty sequence after reset, got %d entries", got)
	}

	// Correlation state is gone too: an echo of the pre-reset send appends.
	r.ApplyRemote(protocol.Message{ID: "srv-1", UserID: "u-1", Content: "one"})
	if got := len(r.Messages()); got != 1 {
		t.Fatalf("expected 1 entry after post-reset echo, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: onChange observer receives snapshots after each mutation
// ---------------------------------------------------------------------------

func TestReconciler_ObserverNotified(t *testing.T) {
	var calls int
	var last []protocol.Message
	r := NewReconciler(nil, func(msgs []protocol.Message) {
		calls++
		last = msgs
	})
	r.SetUser("u-1")

	r.SendLocal("conv-1", "hello", protocol.KindText)
	r.ApplyRemote(protocol.Message{ID: "m-2", UserID: "u-2", Content: "hi"})

	if calls != 2 {
		t.Fatalf("expected 2 observer calls, got %d", calls)
	}
	if len(last) != 2 {
		t.Fatalf("expected snapshot of 2 messages, got %d", len(last))
	}

	// Re-applying a known ID must not notify.
	r.ApplyRemote(protocol.Message{ID: "m-2", UserID: "u-2", Content: "hi"})
	if calls != 2 {
		t.Errorf("duplicate frame triggered observer: %d calls", calls)
	}
}
