package server

import "sync"

// Rooms is a thread-safe registry mapping conversation IDs to their
// subscribed connections. Broadcast snapshots the member set under a read
// lock and then enqueues without holding it, so fan-out for one conversation
// is serialized per caller and never blocks on a slow consumer.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Connection]struct{}
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[*Connection]struct{})}
}

// Join subscribes the connection to the conversation. Returns true if this
// created the room (first local member), which callers use to establish the
// cross-instance subscription.
func (r *Rooms) Join(conversationID string, c *Connection) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[conversationID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.members[conversationID] = set
		first = true
	}
	set[c] = struct{}{}
	return first
}

// Leave removes the connection from the conversation. Returns true if the
// room is now empty and was dropped.
func (r *Rooms) Leave(conversationID string, c *Connection) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[conversationID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.members, conversationID)
		return true
	}
	return false
}

// Broadcast enqueues the frame for every member of the conversation, except
// the optional excluded connection. Drops on full queues are per-member.
func (r *Rooms) Broadcast(conversationID string, data []byte, except *Connection) {
	r.mu.RLock()
	set := r.members[conversationID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		if c != except {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Send(data)
	}
}

// MemberCount returns the number of local members in the conversation.
func (r *Rooms) MemberCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[conversationID])
}

// Count returns the number of active rooms on this instance.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
