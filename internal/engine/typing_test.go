package engine

import (
	"sync"
	"testing"
	"time"
)

// recorder collects outbound typing signals.
type recorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *recorder) send(isTyping bool) {
	r.mu.Lock()
	r.signals = append(r.signals, isTyping)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.signals))
	copy(out, r.signals)
	return out
}

// ---------------------------------------------------------------------------
// Test: N rapid activity signals produce exactly one true and one false
// ---------------------------------------------------------------------------

func TestTyping_DebounceBurst(t *testing.T) {
	rec := &recorder{}
	tc := NewTypingCoordinator(40*time.Millisecond, 0, rec.send, nil)
	defer tc.Stop()

	for i := 0; i < 10; i++ {
		tc.NoteActivity()
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected exactly [true false], got %v", got)
	}
	if !got[0] || got[1] {
		t.Fatalf("expected [true false], got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Activity after the quiet period starts a fresh burst
// ---------------------------------------------------------------------------

func TestTyping_NewBurstAfterQuiet(t *testing.T) {
	rec := &recorder{}
	tc := NewTypingCoordinator(30*time.Millisecond, 0, rec.send, nil)
	defer tc.Stop()

	tc.NoteActivity()
	time.Sleep(80 * time.Millisecond) // quiet elapses, false sent
	tc.NoteActivity()
	time.Sleep(80 * time.Millisecond)

	got := rec.snapshot()
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Activity within the quiet window resets the timer without resending
// ---------------------------------------------------------------------------

func TestTyping_ActivityResetsTimer(t *testing.T) {
	rec := &recorder{}
	tc := NewTypingCoordinator(50*time.Millisecond, 0, rec.send, nil)
	defer tc.Stop()

	tc.NoteActivity()
	time.Sleep(30 * time.Millisecond)
	tc.NoteActivity() // resets the quiet timer
	time.Sleep(30 * time.Millisecond)

	// 60ms since the first signal but only 30ms since the last one: the
	// false must not have fired yet.
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected only the initial true so far, got %v", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("expected [true false] after quiet, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Inbound upsert/remove and self-filtering
// ---------------------------------------------------------------------------

func TestTyping_InboundUpsertAndRemove(t *testing.T) {
	tc := NewTypingCoordinator(0, 0, nil, nil)
	defer tc.Stop()
	tc.SetSelf("u-me")

	tc.ApplyRemote("u-me", "Me", true) // always ignored
	tc.ApplyRemote("u-2", "Bea", true)
	tc.ApplyRemote("u-3", "Cal", true)

	typists := tc.Typists()
	if len(typists) != 2 {
		t.Fatalf("expected 2 typists, got %d", len(typists))
	}
	if typists[0].UserID != "u-2" || typists[1].UserID != "u-3" {
		t.Errorf("unexpected typists: %+v", typists)
	}

	tc.ApplyRemote("u-2", "Bea", false)
	typists = tc.Typists()
	if len(typists) != 1 || typists[0].UserID != "u-3" {
		t.Fatalf("expected only u-3 after stop signal, got %+v", typists)
	}
}

// ---------------------------------------------------------------------------
// Test: Entries expire after silence even without a stop signal
// ---------------------------------------------------------------------------

func TestTyping_DefensiveExpiry(t *testing.T) {
	tc := NewTypingCoordinator(0, 30*time.Millisecond, nil, nil)
	defer tc.Stop()
	tc.SetSelf("u-me")

	tc.ApplyRemote("u-2", "Bea", true)
	if len(tc.Typists()) != 1 {
		t.Fatal("expected typist before expiry")
	}

	time.Sleep(80 * time.Millisecond)
	if got := tc.Typists(); len(got) != 0 {
		t.Fatalf("expected entry expired after silence, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: A fresh signal extends the expiry window
// ---------------------------------------------------------------------------

func TestTyping_SignalExtendsExpiry(t *testing.T) {
	tc := NewTypingCoordinator(0, 60*time.Millisecond, nil, nil)
	defer tc.Stop()
	tc.SetSelf("u-me")

	tc.ApplyRemote("u-2", "Bea", true)
	time.Sleep(40 * time.Millisecond)
	tc.ApplyRemote("u-2", "Bea", true) // refresh
	time.Sleep(40 * time.Millisecond)

	if got := tc.Typists(); len(got) != 1 {
		t.Fatalf("expected refreshed entry to survive, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Stop cancels everything; no false is sent afterwards
// ---------------------------------------------------------------------------

func TestTyping_StopCancelsTimers(t *testing.T) {
	rec := &recorder{}
	tc := NewTypingCoordinator(30*time.Millisecond, 0, rec.send, nil)

	tc.NoteActivity()
	tc.Stop()
	time.Sleep(80 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 1 || !got[0] {
		t.Fatalf("expected only the initial true after Stop, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: a superseded quiet timer never emits a premature false
// ---------------------------------------------------------------------------

func TestTyping_StaleQuietTimerIgnored(t *testing.T) {
	rec := &recorder{}
	tc := NewTypingCoordinator(40*time.Millisecond, 0, rec.send, nil)
	defer tc.Stop()

	tc.NoteActivity()
	tc.NoteActivity()

	// A quiet timer from the first activity may already be past Stop when
	// the second activity resets it; its callback then runs with a stale
	// generation and must not end the burst.
	tc.quietElapsed(1)

	got := rec.snapshot()
	if len(got) != 1 || !got[0] {
		t.Fatalf("stale timer ended the burst: %v", got)
	}

	// The live timer still closes the burst once quiet truly elapses.
	time.Sleep(100 * time.Millisecond)
	got = rec.snapshot()
	if len(got) != 2 || got[1] {
		t.Fatalf("expected [true false] after real quiet, got %v", got)
	}
}
