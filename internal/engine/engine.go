// Package engine implements the client side of the conversation
// synchronization protocol: socket lifecycle, deferred connect scheduling,
// the authentication handshake, single-room subscription tracking,
// optimistic message reconciliation, and typing-indicator coordination.
//
// Nothing on the public surface throws or returns transport errors; all
// failure is represented as state (connectivity, dropped sends, logged
// warnings) so callers observe rather than catch.
package engine

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/converge/chatsync/internal/protocol"
)

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

// State is the connection manager's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen // socket open, authenticate sent, awaiting confirmation
	StateAuthenticated
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open-unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// Credentials are what the external auth collaborator hands the engine: an
// opaque bearer token plus the caller's resolved user identifier.
type Credentials struct {
	Token  string
	UserID string
}

// TokenProvider supplies credentials at connect time. Retrieval may itself
// be an async network call, hence the context.
type TokenProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticToken is a TokenProvider returning fixed credentials.
type StaticToken Credentials

// Credentials implements TokenProvider.
func (s StaticToken) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Dialer opens the underlying transport connection. The default dials a
// WebSocket with gobwas/ws; tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, url string) (net.Conn, error)

func defaultDial(ctx context.Context, url string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	return conn, err
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config configures an Engine. Only Tokens is required; an empty URL puts
// the engine in local-only simulation mode (no socket is ever opened, the
// reconciler still accepts locally-synthesized messages and synthetic
// receipts simulate delivery).
type Config struct {
	URL     string
	Tokens  TokenProvider
	Policy  ConnectPolicy
	Signals HostSignals
	Dial    Dialer

	QuietPeriod  time.Duration // typing debounce window
	TypingExpiry time.Duration // defensive remote-typist expiry
	Receipts     ReceiptScheduler

	// Observers for UI consumption. All receive immutable snapshots and
	// are invoked without internal locks held.
	OnMessages func([]protocol.Message)
	OnTyping   func([]TypingState)
	OnState    func(State)
	OnError    func(code, message string)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine is the client protocol engine. It owns the socket exclusively; all
// outbound envelopes are routed through its send path, which silently drops
// frames while unauthenticated.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	state  State
	sock   net.Conn
	epoch  uint64 // bumped whenever the socket is replaced or torn down
	userID string
	closed bool

	writeMu sync.Mutex // serializes socket writes

	rec      *Reconciler
	typing   *TypingCoordinator
	registry *Registry
	sched    *Scheduler
	receipts ReceiptScheduler

	cancel context.CancelFunc
}

// New creates an Engine from the config. No connection is attempted until
// Start (scheduler-driven) or Connect (direct) is called.
func New(cfg Config) *Engine {
	e := &Engine{cfg: cfg, state: StateIdle}

	if cfg.Dial == nil {
		e.cfg.Dial = defaultDial
	}

	e.receipts = cfg.Receipts
	if e.receipts == nil {
		if cfg.URL == "" {
			// Local-only mode has no authoritative transport; simulate
			// delivery acknowledgement.
			e.receipts = NewSyntheticReceipts()
		} else {
			e.receipts = NoReceipts{}
		}
	}

	e.rec = NewReconciler(e.receipts, cfg.OnMessages)
	e.typing = NewTypingCoordinator(cfg.QuietPeriod, cfg.TypingExpiry, func(isTyping bool) {
		e.send(protocol.TypeTyping, protocol.TypingMsg{IsTyping: isTyping})
	}, cfg.OnTyping)
	e.registry = NewRegistry(e.send, func(previous string) {
		e.rec.Reset()
		e.typing.Reset()
	})
	e.sched = NewScheduler(cfg.Policy, cfg.Signals)

	return e
}

// Start resolves the connect policy and schedules the first connection
// attempt. In local-only mode it only resolves the local identity so
// optimistic messages carry the right author.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.URL == "" {
		e.resolveLocalIdentity(ctx)
		return
	}
	e.sched.Start(ctx, e.Connect)
}

// Connect opens the socket and begins the authentication handshake. It is a
// no-op while already connecting, open, or authenticated. A missing bearer
// token is a local abort: no socket is opened and no retry is scheduled.
func (e *Engine) Connect() {
	e.mu.Lock()
	if e.closed || e.cfg.URL == "" {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case StateConnecting, StateOpen, StateAuthenticated:
		e.mu.Unlock()
		return
	}
	e.epoch++
	epoch := e.epoch
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds, err := e.credentials(ctx)
	if err != nil || creds.Token == "" {
		log.Printf("[engine] no bearer token available, aborting connect: %v", err)
		e.mu.Lock()
		if e.epoch == epoch {
			e.setStateLocked(StateIdle)
		}
		e.mu.Unlock()
		return
	}

	conn, err := e.cfg.Dial(ctx, e.cfg.URL)
	if err != nil {
		log.Printf("[engine] dial %s failed: %v", e.cfg.URL, err)
		e.mu.Lock()
		if e.epoch == epoch {
			e.setStateLocked(StateIdle)
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if e.closed || e.epoch != epoch {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.sock = conn
	e.userID = creds.UserID
	e.setStateLocked(StateOpen)
	e.mu.Unlock()

	e.rec.SetUser(creds.UserID)
	e.typing.SetSelf(creds.UserID)

	// The authenticate envelope is the one frame allowed pre-auth.
	e.writeEnvelope(conn, protocol.TypeAuthenticate, protocol.AuthenticateMsg{Token: creds.Token})

	go e.readLoop(conn, epoch)
}

// Disconnect closes the socket explicitly. It is idempotent: calling it
// repeatedly, or on an already-closed connection, produces no error and no
// duplicate close events.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.sock == nil && e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	// Bump the epoch so late callbacks from this socket are discarded.
	e.epoch++
	sock := e.sock
	e.sock = nil
	e.setStateLocked(StateClosed)
	e.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	e.registry.Invalidate()
}

// Close tears the engine down: the scheduler wait is cancelled, timers are
// stopped, the socket is closed, and the state machine parks in terminal
// idle. The engine is not reusable afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.sched.Stop()
	e.Disconnect()
	e.typing.Stop()
	e.receipts.Stop()

	e.mu.Lock()
	e.setStateLocked(StateIdle)
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Public operation surface
// ---------------------------------------------------------------------------

// SendMessage appends an optimistic local message and, when authenticated,
// transmits it. While disconnected the optimistic copy still appears with
// status "sent" and simply never advances until reconnection succeeds.
func (e *Engine) SendMessage(text string) protocol.Message {
	m := e.rec.SendLocal(e.registry.Active(), text, protocol.KindText)
	e.send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		Content: text,
		Kind:    protocol.KindText,
		Nonce:   m.Nonce,
	})
	return m
}

// EditMessage appends a linked edit marker locally and requests the edit
// from the server. The original entry is never mutated.
func (e *Engine) EditMessage(id, text string) protocol.Message {
	conv := e.registry.Active()
	m := e.rec.EditLocal(conv, id, text)
	e.send(protocol.TypeEditMessage, protocol.EditMessageMsg{
		ID:             id,
		Text:           text,
		ConversationID: conv,
	})
	return m
}

// JoinConversation makes the conversation the active room. If the socket is
// not authenticated yet the join is remembered and replayed once it is.
func (e *Engine) JoinConversation(conversationID string) {
	e.registry.Join(conversationID)
}

// LeaveConversation leaves the room if it is the active one; stale callers
// no-op.
func (e *Engine) LeaveConversation(conversationID string) {
	e.registry.Leave(conversationID)
}

// SendTyping registers local typing activity; the coordinator debounces the
// actual wire traffic.
func (e *Engine) SendTyping() {
	e.typing.NoteActivity()
}

// Messages returns the reconciled message sequence in display order.
func (e *Engine) Messages() []protocol.Message {
	return e.rec.Messages()
}

// Typists returns the remote users currently typing.
func (e *Engine) Typists() []TypingState {
	return e.typing.Typists()
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// UserID returns the resolved local user identifier, empty until known.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// ActiveConversation returns the active conversation ID, empty if none.
func (e *Engine) ActiveConversation() string {
	return e.registry.Active()
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) credentials(ctx context.Context) (Credentials, error) {
	if e.cfg.Tokens == nil {
		return Credentials{}, nil
	}
	return e.cfg.Tokens.Credentials(ctx)
}

func (e *Engine) resolveLocalIdentity(ctx context.Context) {
	creds, err := e.credentials(ctx)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.userID = creds.UserID
	e.mu.Unlock()
	e.rec.SetUser(creds.UserID)
	e.typing.SetSelf(creds.UserID)
}

// setStateLocked transitions the state machine and notifies the observer.
// Callers hold e.mu.
func (e *Engine) setStateLocked(next State) {
	if e.state == next {
		return
	}
	e.state = next
	if e.cfg.OnState != nil {
		go e.cfg.OnState(next)
	}
}
