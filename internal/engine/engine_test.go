package engine

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/converge/chatsync/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory transport harness
// ---------------------------------------------------------------------------

// pipeHarness plays the server side of the protocol over net.Pipe. Each dial
// produces a fresh pipe; a pump goroutine collects the client's frames.
type pipeHarness struct {
	t      *testing.T
	mu     sync.Mutex
	srv    net.Conn
	frames chan []byte
	dials  int32
}

func newPipeHarness(t *testing.T) *pipeHarness {
	return &pipeHarness{t: t}
}

func (h *pipeHarness) dial(ctx context.Context, url string) (net.Conn, error) {
	client, server := net.Pipe()
	frames := make(chan []byte, 32)

	h.mu.Lock()
	h.srv = server
	h.frames = frames
	h.mu.Unlock()
	atomic.AddInt32(&h.dials, 1)

	go func() {
		for {
			data, err := wsutil.ReadClientText(server)
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()
	return client, nil
}

func (h *pipeHarness) server() net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.srv
}

func (h *pipeHarness) frameCh() chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// expect reads the next client frame and asserts its type, returning the
// decoded fields.
func (h *pipeHarness) expect(msgType string) map[string]interface{} {
	h.t.Helper()
	select {
	case data, ok := <-h.frameCh():
		if !ok {
			h.t.Fatalf("connection closed while waiting for %q frame", msgType)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			h.t.Fatalf("client sent invalid JSON: %v", err)
		}
		if m["type"] != msgType {
			h.t.Fatalf("expected %q frame, got %v", msgType, m)
		}
		return m
	case <-time.After(time.Second):
		h.t.Fatalf("timed out waiting for %q frame", msgType)
	}
	return nil
}

// expectNone asserts no client frame arrives within the window.
func (h *pipeHarness) expectNone(window time.Duration) {
	h.t.Helper()
	select {
	case data, ok := <-h.frameCh():
		if ok {
			h.t.Fatalf("unexpected client frame: %s", data)
		}
	case <-time.After(window):
	}
}

// sendServer writes one server frame to the client.
func (h *pipeHarness) sendServer(msgType string, payload interface{}) {
	h.t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.t.Fatalf("encode %q: %v", msgType, err)
	}
	if err := wsutil.WriteServerMessage(h.server(), ws.OpText, data); err != nil {
		h.t.Fatalf("write %q: %v", msgType, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(t *testing.T, h *pipeHarness, cfg Config) *Engine {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://conformance.test/ws"
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken{Token: "bearer-1", UserID: "u-local"}
	}
	cfg.Dial = h.dial
	e := New(cfg)
	t.Cleanup(e.Close)
	return e
}

func authenticate(t *testing.T, e *Engine, h *pipeHarness) {
	t.Helper()
	h.sendServer(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{UserID: "u-local"})
	waitFor(t, "authenticated state", func() bool { return e.State() == StateAuthenticated })
}

// ---------------------------------------------------------------------------
// Test: Authentication handshake
// ---------------------------------------------------------------------------

func TestEngine_AuthHandshake(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	frame := h.expect(protocol.TypeAuthenticate)
	if frame["token"] != "bearer-1" {
		t.Errorf("expected bearer token on authenticate frame, got %v", frame["token"])
	}
	if e.State() != StateOpen {
		t.Errorf("expected %v before auth ack, got %v", StateOpen, e.State())
	}

	authenticate(t, e, h)
	if e.UserID() != "u-local" {
		t.Errorf("expected resolved user %q, got %q", "u-local", e.UserID())
	}
}

// ---------------------------------------------------------------------------
// Test: Join requested before auth is replayed exactly once on auth
// ---------------------------------------------------------------------------

func TestEngine_ReplayJoinOnAuth(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	// Join before any socket exists: remembered, not sent.
	e.JoinConversation("room-x")

	e.Connect()
	h.expect(protocol.TypeAuthenticate)

	authenticate(t, e, h)

	frame := h.expect(protocol.TypeJoinConversation)
	if frame["conversationId"] != "room-x" {
		t.Fatalf("expected join for %q, got %v", "room-x", frame)
	}

	// Exactly once.
	h.expectNone(50 * time.Millisecond)
}

// ---------------------------------------------------------------------------
// Test: Sends while unauthenticated are dropped silently, local state kept
// ---------------------------------------------------------------------------

func TestEngine_SilentDropWhenUnauthenticated(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)

	// No authenticated ack yet: the send must be dropped on the wire but
	// the optimistic local entry must appear.
	m := e.SendMessage("hello while half-open")
	if m.Status != protocol.StatusSent {
		t.Errorf("expected optimistic status %q, got %q", protocol.StatusSent, m.Status)
	}
	if got := len(e.Messages()); got != 1 {
		t.Fatalf("expected 1 optimistic message, got %d", got)
	}

	h.expectNone(50 * time.Millisecond)
}

// ---------------------------------------------------------------------------
// Test: Disconnect is idempotent with no duplicate close events
// ---------------------------------------------------------------------------

func TestEngine_IdempotentDisconnect(t *testing.T) {
	var closes int32
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{
		OnState: func(s State) {
			if s == StateClosed {
				atomic.AddInt32(&closes, 1)
			}
		},
	})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	e.Disconnect()
	e.Disconnect()
	e.Disconnect()

	waitFor(t, "closed state", func() bool { return e.State() == StateClosed })
	time.Sleep(30 * time.Millisecond)

	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("expected exactly one close event, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing bearer token aborts locally without opening a socket
// ---------------------------------------------------------------------------

func TestEngine_MissingTokenAborts(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{Tokens: StaticToken{}})

	e.Connect()

	if got := atomic.LoadInt32(&h.dials); got != 0 {
		t.Fatalf("expected no dial without a token, got %d", got)
	}
	if e.State() != StateIdle {
		t.Errorf("expected %v after local abort, got %v", StateIdle, e.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Connect is a no-op while already connected
// ---------------------------------------------------------------------------

func TestEngine_ConnectNoopWhileConnected(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	e.Connect()
	if got := atomic.LoadInt32(&h.dials); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Switching rooms discards the previous room's local state
// ---------------------------------------------------------------------------

func TestEngine_RoomSwitchClearsState(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	e.JoinConversation("room-x")
	h.expect(protocol.TypeJoinConversation)
	h.sendServer(protocol.TypeConversationJoined, protocol.ConversationJoinedMsg{ConversationID: "room-x"})

	h.sendServer(protocol.TypeMessage, protocol.MessageMsg{Message: protocol.Message{
		ID: "m-1", UserID: "u-2", Content: "in room x", ConversationID: "room-x",
	}})
	waitFor(t, "room-x message", func() bool { return len(e.Messages()) == 1 })

	e.JoinConversation("room-y")
	frame := h.expect(protocol.TypeJoinConversation)
	if frame["conversationId"] != "room-y" {
		t.Fatalf("expected join for room-y, got %v", frame)
	}

	if got := len(e.Messages()); got != 0 {
		t.Fatalf("expected room-x state discarded before room-y history, got %d messages", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Stale leave requests no-op
// ---------------------------------------------------------------------------

func TestEngine_StaleLeaveIgnored(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	e.JoinConversation("room-x")
	h.expect(protocol.TypeJoinConversation)

	e.LeaveConversation("room-z") // not the active room
	h.expectNone(50 * time.Millisecond)

	e.LeaveConversation("room-x")
	h.expect(protocol.TypeLeaveConversation)
}

// ---------------------------------------------------------------------------
// Test: Offline send, reconnect, auto-rejoin, history dedupe (end to end)
// ---------------------------------------------------------------------------

func TestEngine_OfflineSendReconnectScenario(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.JoinConversation("room-x")
	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)
	h.expect(protocol.TypeJoinConversation)
	h.sendServer(protocol.TypeConversationJoined, protocol.ConversationJoinedMsg{ConversationID: "room-x"})

	// Server goes away.
	h.server().Close()
	waitFor(t, "closed state", func() bool { return e.State() == StateClosed })

	// Compose while disconnected: one optimistic entry, status sent.
	e.SendMessage("hello")
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Status != protocol.StatusSent {
		t.Fatalf("expected one optimistic sent message, got %+v", msgs)
	}

	// Reconnect and re-authenticate: the join for the prior room is resent
	// automatically.
	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)
	frame := h.expect(protocol.TypeJoinConversation)
	if frame["conversationId"] != "room-x" {
		t.Fatalf("expected automatic rejoin of room-x, got %v", frame)
	}

	// History contains the server's copy of the offline send: it must not
	// create a second entry.
	h.sendServer(protocol.TypeConversationHistory, protocol.ConversationHistoryMsg{
		ConversationID: "room-x",
		Messages: []protocol.Message{
			{ID: "srv-1", UserID: "u-local", Content: "hello", ConversationID: "room-x"},
		},
	})

	waitFor(t, "history reconciliation", func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-1"
	})
	if got := e.Messages()[0].Status; got != protocol.StatusDelivered {
		t.Errorf("expected promoted status %q, got %q", protocol.StatusDelivered, got)
	}
}

// ---------------------------------------------------------------------------
// Test: Typing flows in both directions
// ---------------------------------------------------------------------------

func TestEngine_Typing(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{QuietPeriod: 30 * time.Millisecond})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	e.SendTyping()
	frame := h.expect(protocol.TypeTyping)
	if frame["isTyping"] != true {
		t.Fatalf("expected isTyping true, got %v", frame)
	}
	frame = h.expect(protocol.TypeTyping) // the debounced stop
	if frame["isTyping"] != false {
		t.Fatalf("expected isTyping false after quiet period, got %v", frame)
	}

	h.sendServer(protocol.TypeTyping, protocol.TypingMsg{IsTyping: true, UserID: "u-2", DisplayName: "Bea"})
	waitFor(t, "remote typist", func() bool { return len(e.Typists()) == 1 })

	// Self-signals are ignored even when relayed back.
	h.sendServer(protocol.TypeTyping, protocol.TypingMsg{IsTyping: true, UserID: "u-local"})
	time.Sleep(20 * time.Millisecond)
	if got := len(e.Typists()); got != 1 {
		t.Fatalf("expected self typing ignored, got %d typists", got)
	}

	h.sendServer(protocol.TypeTyping, protocol.TypingMsg{IsTyping: false, UserID: "u-2"})
	waitFor(t, "typist removal", func() bool { return len(e.Typists()) == 0 })
}

// ---------------------------------------------------------------------------
// Test: error frames surface via the observer, connection stays open
// ---------------------------------------------------------------------------

func TestEngine_ErrorFrameKeepsConnection(t *testing.T) {
	var gotMsg atomic.Value
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{
		OnError: func(code, message string) { gotMsg.Store(message) },
	})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	h.sendServer(protocol.TypeError, protocol.ErrorMsg{Code: "join_rejected", Message: "no such room"})
	waitFor(t, "error observer", func() bool { return gotMsg.Load() != nil })

	if e.State() != StateAuthenticated {
		t.Errorf("application error must not close the connection, state=%v", e.State())
	}
	if gotMsg.Load() != "no such room" {
		t.Errorf("expected error message surfaced, got %v", gotMsg.Load())
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown envelope types are ignored, not fatal
// ---------------------------------------------------------------------------

func TestEngine_UnknownFrameIgnored(t *testing.T) {
	h := newPipeHarness(t)
	e := newTestEngine(t, h, Config{})

	e.Connect()
	h.expect(protocol.TypeAuthenticate)
	authenticate(t, e, h)

	if err := wsutil.WriteServerMessage(h.server(), ws.OpText, []byte(`{"type":"presence_sync"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.sendServer(protocol.TypeMessage, protocol.MessageMsg{Message: protocol.Message{
		ID: "m-1", UserID: "u-2", Content: "still alive",
	}})

	waitFor(t, "message after unknown frame", func() bool { return len(e.Messages()) == 1 })
	if e.State() != StateAuthenticated {
		t.Errorf("unknown frame must not close the connection, state=%v", e.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Local-only simulation mode with synthetic receipts
// ---------------------------------------------------------------------------

func TestEngine_LocalOnlyMode(t *testing.T) {
	e := New(Config{
		Tokens: StaticToken{UserID: "u-local"},
		Receipts: &SyntheticReceipts{
			DeliveredAfter: 10 * time.Millisecond,
			ReadAfter:      25 * time.Millisecond,
		},
	})
	defer e.Close()
	e.Start(context.Background())

	e.JoinConversation("room-x")
	m := e.SendMessage("talking to myself")
	if m.UserID != "u-local" {
		t.Errorf("expected local author %q, got %q", "u-local", m.UserID)
	}

	waitFor(t, "synthetic read promotion", func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].Status == protocol.StatusRead
	})
}
