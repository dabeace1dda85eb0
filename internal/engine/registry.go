package engine

import (
	"sync"

	"github.com/converge/chatsync/internal/protocol"
)

// Registry tracks the single active conversation for the socket and issues
// join/leave control messages. Join requests made before the socket is
// authenticated are remembered and replayed once authentication completes,
// so callers never need to know whether the socket was ready.
type Registry struct {
	mu        sync.Mutex
	active    string // pending or confirmed conversation ID
	confirmed bool
	send      func(msgType string, payload interface{}) bool
	onSwitch  func(previous string)
}

// NewRegistry creates a Registry. send attempts to transmit a control
// envelope and reports whether it was actually sent; onSwitch is invoked
// when a join replaces a different previous room, before the new join is
// issued.
func NewRegistry(send func(msgType string, payload interface{}) bool, onSwitch func(previous string)) *Registry {
	return &Registry{send: send, onSwitch: onSwitch}
}

// Join records the conversation as the active room and sends
// join_conversation if the socket is ready. Switching rooms discards the
// previous room's local state first: the new room is rebuilt solely from
// server-delivered history.
func (r *Registry) Join(conversationID string) {
	if conversationID == "" {
		return
	}

	r.mu.Lock()
	previous := r.active
	r.active = conversationID
	r.confirmed = false
	r.mu.Unlock()

	if previous != "" && previous != conversationID && r.onSwitch != nil {
		r.onSwitch(previous)
	}

	r.send(protocol.TypeJoinConversation, protocol.JoinConversationMsg{ConversationID: conversationID})
}

// Leave sends leave_conversation only when the identifier matches the
// currently active room; stale callers no-op.
func (r *Registry) Leave(conversationID string) {
	r.mu.Lock()
	if conversationID == "" || conversationID != r.active {
		r.mu.Unlock()
		return
	}
	r.active = ""
	r.confirmed = false
	r.mu.Unlock()

	r.send(protocol.TypeLeaveConversation, protocol.LeaveConversationMsg{ConversationID: conversationID})
}

// Replay re-issues the join for the active conversation. Called once on
// every authenticated transition; this is the reconnection-resilience
// guarantee.
func (r *Registry) Replay() {
	r.mu.Lock()
	id := r.active
	r.mu.Unlock()

	if id == "" {
		return
	}
	r.send(protocol.TypeJoinConversation, protocol.JoinConversationMsg{ConversationID: id})
}

// Confirm marks the registry confirmed for the given conversation. Frames
// for rooms other than the active one are ignored.
func (r *Registry) Confirm(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID != "" && conversationID != r.active {
		return false
	}
	r.confirmed = true
	return true
}

// Invalidate marks all previously confirmed state unconfirmed. Called on
// socket close; the active ID is kept so Replay can rejoin after
// re-authentication.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.confirmed = false
	r.mu.Unlock()
}

// Active returns the active (pending or confirmed) conversation ID.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Confirmed reports whether the server has acknowledged the active room on
// the current connection.
func (r *Registry) Confirmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}
