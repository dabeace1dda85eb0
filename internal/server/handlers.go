package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/converge/chatsync/internal/auth"
	"github.com/converge/chatsync/internal/history"
	"github.com/converge/chatsync/internal/messaging"
	"github.com/converge/chatsync/internal/metrics"
	"github.com/converge/chatsync/internal/protocol"
	"github.com/converge/chatsync/internal/ratelimit"
)

// DefaultHistoryLimit is the number of history entries sent on join.
const DefaultHistoryLimit = 50

// Fanout relays conversation frames between server instances. Satisfied by
// messaging.Client.
type Fanout interface {
	PublishConversation(conversationID string, data []byte) error
	SubscribeConversation(conversationID string, handler func(data []byte)) error
	UnsubscribeConversation(conversationID string) error
}

// Limiter throttles per-identifier actions. Satisfied by
// ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// CoreConfig wires the protocol handlers to their collaborators. Limiter
// and Fanout are optional; a nil Fanout runs the server standalone.
type CoreConfig struct {
	Verifier     auth.Verifier
	History      history.Store
	Limiter      Limiter
	Fanout       Fanout
	Instance     string // origin tag for cross-instance events
	HistoryLimit int
}

// core implements the conversation protocol on top of a Server.
type core struct {
	srv *Server
	cfg CoreConfig
}

// RegisterCore registers the protocol handlers on the server's dispatcher
// and installs the disconnect hook.
func RegisterCore(srv *Server, cfg CoreConfig) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	c := &core{srv: srv, cfg: cfg}

	d := srv.Dispatcher()
	d.Register(protocol.TypeAuthenticate, c.handleAuthenticate)
	d.Register(protocol.TypeJoinConversation, c.authenticated(c.handleJoin))
	d.Register(protocol.TypeLeaveConversation, c.authenticated(c.handleLeave))
	d.Register(protocol.TypeSendMessage, c.authenticated(c.handleSend))
	d.Register(protocol.TypeTyping, c.authenticated(c.handleTyping))
	d.Register(protocol.TypeEditMessage, c.authenticated(c.handleEdit))

	srv.OnDisconnect(c.handleDisconnect)
	srv.OnRoomEmpty(c.unsubscribe)
	if cfg.Limiter != nil {
		srv.OnConnect(c.allowConnect)
	}
}

// allowConnect throttles WebSocket upgrades per client IP.
func (c *core) allowConnect(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	allowed, _ := c.cfg.Limiter.Allow(ctx, host, ratelimit.RuleConnect)
	if !allowed {
		log.Printf("server: connection rate limited ip=%s", host)
	}
	return allowed
}

// authenticated wraps a handler with the session guard: frames before a
// successful handshake are answered with an error envelope and otherwise
// ignored.
func (c *core) authenticated(next HandlerFunc) HandlerFunc {
	return func(conn *Connection, msg interface{}) {
		if !conn.Authenticated() {
			sendError(conn, "unauthenticated", "authenticate first")
			return
		}
		next(conn, msg)
	}
}

// -----------------------------------------------------------------------
// authenticate — bearer token handshake
// -----------------------------------------------------------------------

func (c *core) handleAuthenticate(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.AuthenticateMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID, err := c.cfg.Verifier.Verify(ctx, m.Token)
	if err != nil {
		log.Printf("server: auth failed conn=%s: %v", conn.ID, err)
		sendError(conn, "auth_failed", "invalid token")
		return
	}

	conn.SetAuthenticated(userID)
	c.reply(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{UserID: userID})
	log.Printf("server: authenticated conn=%s user=%s", conn.ID, userID)
}

// -----------------------------------------------------------------------
// join_conversation — room switch, confirmation, history backfill
// -----------------------------------------------------------------------

func (c *core) handleJoin(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinConversationMsg)
	if !ok || m.ConversationID == "" {
		sendError(conn, "bad_join", "missing conversationId")
		return
	}

	if previous := conn.SetConversation(m.ConversationID); previous != "" && previous != m.ConversationID {
		if empty := c.srv.Rooms().Leave(previous, conn); empty {
			c.unsubscribe(previous)
		}
	}

	if first := c.srv.Rooms().Join(m.ConversationID, conn); first {
		c.subscribe(m.ConversationID)
	}
	metrics.RoomsActive.Set(float64(c.srv.Rooms().Count()))

	c.reply(conn, protocol.TypeConversationJoined, protocol.ConversationJoinedMsg{ConversationID: m.ConversationID})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := c.cfg.History.Recent(ctx, m.ConversationID, c.cfg.HistoryLimit)
	if err != nil {
		log.Printf("server: history backfill failed conv=%s: %v", m.ConversationID, err)
		msgs = nil
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	c.reply(conn, protocol.TypeConversationHistory, protocol.ConversationHistoryMsg{
		ConversationID: m.ConversationID,
		Messages:       msgs,
	})
}

// -----------------------------------------------------------------------
// leave_conversation
// -----------------------------------------------------------------------

func (c *core) handleLeave(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveConversationMsg)
	if !ok {
		return
	}

	active := conn.Conversation()
	if active == "" || (m.ConversationID != "" && m.ConversationID != active) {
		return // stale caller
	}

	conn.SetConversation("")
	if empty := c.srv.Rooms().Leave(active, conn); empty {
		c.unsubscribe(active)
	}
	metrics.RoomsActive.Set(float64(c.srv.Rooms().Count()))
}

// -----------------------------------------------------------------------
// send_message — validate, persist, fan out with echo
// -----------------------------------------------------------------------

func (c *core) handleSend(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	conv := conn.Conversation()
	if conv == "" {
		sendError(conn, "no_conversation", "join a conversation first")
		return
	}
	if err := ValidateContent(m.Content); err != nil {
		sendError(conn, "invalid_message", err.Error())
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.cfg.Limiter != nil {
		allowed, _ := c.cfg.Limiter.Allow(ctx, conn.UserID(), ratelimit.RuleSend)
		if !allowed {
			sendError(conn, "rate_limited", "slow down")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
	}

	kind := m.Kind
	if kind == "" {
		kind = protocol.KindText
	}
	out := protocol.Message{
		ID:             uuid.New().String(),
		UserID:         conn.UserID(),
		Content:        m.Content,
		ConversationID: conv,
		CreatedAt:      time.Now().UnixMilli(),
		Kind:           kind,
		Status:         protocol.StatusDelivered,
		Nonce:          m.Nonce, // echoed back for client-side correlation
	}

	if err := c.cfg.History.Append(ctx, out); err != nil {
		log.Printf("server: history append failed conv=%s: %v", conv, err)
	}

	c.broadcast(conv, protocol.TypeMessage, protocol.MessageMsg{Message: out}, nil)
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
}

// -----------------------------------------------------------------------
// typing — stamp the sender, relay to the rest of the room
// -----------------------------------------------------------------------

func (c *core) handleTyping(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}

	conv := conn.Conversation()
	if conv == "" {
		return
	}

	m.UserID = conn.UserID()
	c.broadcast(conv, protocol.TypeTyping, m, conn)
}

// -----------------------------------------------------------------------
// edit_message — append a linked marker, never rewrite history
// -----------------------------------------------------------------------

func (c *core) handleEdit(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.EditMessageMsg)
	if !ok {
		return
	}

	conv := conn.Conversation()
	if conv == "" || m.ID == "" {
		sendError(conn, "bad_edit", "missing id or conversation")
		return
	}
	if m.ConversationID != "" && m.ConversationID != conv {
		sendError(conn, "bad_edit", "conversation mismatch")
		return
	}
	if err := ValidateContent(m.Text); err != nil {
		sendError(conn, "invalid_message", err.Error())
		return
	}

	marker := protocol.Message{
		ID:             uuid.New().String(),
		EditOf:         m.ID,
		UserID:         conn.UserID(),
		Content:        m.Text,
		ConversationID: conv,
		CreatedAt:      time.Now().UnixMilli(),
		Kind:           protocol.KindText,
		Status:         protocol.StatusDelivered,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.History.Append(ctx, marker); err != nil {
		log.Printf("server: history append failed conv=%s: %v", conv, err)
	}

	c.broadcast(conv, protocol.TypeMessage, protocol.MessageMsg{Message: marker}, nil)
}

// -----------------------------------------------------------------------
// disconnect — clear any lingering typing indicator for the user
// -----------------------------------------------------------------------

func (c *core) handleDisconnect(conn *Connection) {
	conv := conn.Conversation()
	if conv == "" || conn.UserID() == "" {
		return
	}
	c.broadcast(conv, protocol.TypeTyping, protocol.TypingMsg{
		IsTyping: false,
		UserID:   conn.UserID(),
	}, conn)
	metrics.RoomsActive.Set(float64(c.srv.Rooms().Count()))
}

// -----------------------------------------------------------------------
// Fan-out helpers
// -----------------------------------------------------------------------

// reply encodes and enqueues a frame for one connection.
func (c *core) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("server: failed to encode %q: %v", msgType, err)
		return
	}
	conn.Send(data)
}

// broadcast fans a frame out to the local room and, when configured, to
// peer instances via the messaging layer.
func (c *core) broadcast(conversationID, msgType string, payload interface{}, except *Connection) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("server: failed to encode %q: %v", msgType, err)
		return
	}

	c.srv.Rooms().Broadcast(conversationID, data, except)

	if c.cfg.Fanout != nil {
		ev := messaging.ConversationEvent{Origin: c.cfg.Instance, Frame: data}
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := c.cfg.Fanout.PublishConversation(conversationID, raw); err != nil {
			log.Printf("server: fanout publish conv=%s failed: %v", conversationID, err)
		}
	}
}

// subscribe starts relaying peer-instance events for the conversation.
func (c *core) subscribe(conversationID string) {
	if c.cfg.Fanout == nil {
		return
	}
	err := c.cfg.Fanout.SubscribeConversation(conversationID, func(data []byte) {
		var ev messaging.ConversationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("server: fanout unmarshal conv=%s: %v", conversationID, err)
			return
		}
		if ev.Origin == c.cfg.Instance {
			return // already delivered locally
		}
		c.srv.Rooms().Broadcast(conversationID, ev.Frame, nil)
	})
	if err != nil {
		log.Printf("server: fanout subscribe conv=%s failed: %v", conversationID, err)
	}
}

// unsubscribe stops the relay once the last local member leaves.
func (c *core) unsubscribe(conversationID string) {
	if c.cfg.Fanout == nil {
		return
	}
	if err := c.cfg.Fanout.UnsubscribeConversation(conversationID); err != nil {
		log.Printf("server: fanout unsubscribe conv=%s failed: %v", conversationID, err)
	}
}
