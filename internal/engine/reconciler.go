package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/converge/chatsync/internal/protocol"
)

// Reconciler merges locally-originated optimistic messages with
// server-confirmed echoes and history backfill into one ordered,
// duplicate-free sequence. Display order is append order, which equals
// arrival order; embedded timestamps never cause re-sorting.
type Reconciler struct {
	mu       sync.Mutex
	user     string
	msgs     []protocol.Message
	byID     map[string]int    // message ID -> index in msgs
	pending  map[string]string // outstanding nonce -> local message ID
	receipts ReceiptScheduler
	onChange func([]protocol.Message)
}

// NewReconciler creates an empty Reconciler. receipts may be nil, in which
// case no synthetic promotions are scheduled. onChange, if non-nil, is
// invoked with a snapshot after every mutation; it runs without the
// reconciler lock held.
func NewReconciler(receipts ReceiptScheduler, onChange func([]protocol.Message)) *Reconciler {
	if receipts == nil {
		receipts = NoReceipts{}
	}
	return &Reconciler{
		byID:     make(map[string]int),
		pending:  make(map[string]string),
		receipts: receipts,
		onChange: onChange,
	}
}

// SetUser records the local user identity used to recognize server echoes.
func (r *Reconciler) SetUser(userID string) {
	r.mu.Lock()
	r.user = userID
	r.mu.Unlock()
}

// SendLocal appends an optimistic message with a locally-generated ID and
// nonce, status "sent", and schedules synthetic promotions. The returned
// copy carries the nonce the caller must put on the outbound envelope.
func (r *Reconciler) SendLocal(conversationID, content, kind string) protocol.Message {
	m := protocol.Message{
		ID:             uuid.New().String(),
		Nonce:          uuid.New().String(),
		Content:        content,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UnixMilli(),
		Kind:           kind,
		Status:         protocol.StatusSent,
	}

	r.mu.Lock()
	m.UserID = r.user
	r.byID[m.ID] = len(r.msgs)
	r.pending[m.Nonce] = m.ID
	r.msgs = append(r.msgs, m)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.receipts.Schedule(m.ID, r.Promote)
	r.notify(snapshot)
	return m
}

// EditLocal appends a linked edit marker for a previously sent message.
// The original entry is never mutated; the marker references it via EditOf.
func (r *Reconciler) EditLocal(conversationID, id, text string) protocol.Message {
	m := protocol.Message{
		ID:             uuid.New().String(),
		EditOf:         id,
		Content:        text,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UnixMilli(),
		Kind:           protocol.KindText,
		Status:         protocol.StatusSent,
	}

	r.mu.Lock()
	m.UserID = r.user
	r.byID[m.ID] = len(r.msgs)
	r.msgs = append(r.msgs, m)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
	return m
}

// ApplyRemote reconciles one inbound message frame. Echoes of local sends
// are promoted in place (correlated by nonce, falling back to an
// author+content heuristic) rather than appended; everything else is
// appended in arrival order with status at least "delivered".
func (r *Reconciler) ApplyRemote(m protocol.Message) {
	r.mu.Lock()
	changed := r.applyLocked(m)
	var snapshot []protocol.Message
	if changed {
		snapshot = r.snapshotLocked()
	}
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// MergeHistory bulk-merges a server-delivered backfill. Entries already
// present (by ID, or correlated to an optimistic local send) are skipped;
// new entries are appended preserving server order. Previously reconciled
// entries are never reordered.
func (r *Reconciler) MergeHistory(msgs []protocol.Message) {
	r.mu.Lock()
	changed := false
	for _, m := range msgs {
		if r.applyLocked(m) {
			changed = true
		}
	}
	var snapshot []protocol.Message
	if changed {
		snapshot = r.snapshotLocked()
	}
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// Promote advances a message's delivery status. Promotion is strictly
// monotonic: an earlier status never overwrites a later one, so a synthetic
// timer firing after a real acknowledgement is a no-op.
func (r *Reconciler) Promote(id, status string) {
	r.mu.Lock()
	idx, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	next := protocol.AdvanceStatus(r.msgs[idx].Status, status)
	if next == r.msgs[idx].Status {
		r.mu.Unlock()
		return
	}
	r.msgs[idx].Status = next
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
}

// Reset discards all locally held messages and correlation state. Called on
// room switches: the new room's state is rebuilt solely from server history.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.byID = make(map[string]int)
	r.pending = make(map[string]string)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
}

// Messages returns a copy of the reconciled sequence in display order.
func (r *Reconciler) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// applyLocked merges one remote message under the lock. Returns true if the
// sequence changed.
func (r *Reconciler) applyLocked(m protocol.Message) bool {
	if m.ID != "" {
		if _, ok := r.byID[m.ID]; ok {
			return false // already reconciled
		}
	}

	// Nonce correlation: the server echoed back our client-generated nonce.
	if m.Nonce != "" {
		if localID, ok := r.pending[m.Nonce]; ok {
			r.promoteEchoLocked(localID, m)
			delete(r.pending, m.Nonce)
			return true
		}
	}

	// Same-author frames without a matching nonce: try the content+recency
	// heuristic before appending, so a lost nonce does not duplicate the
	// sender's own optimistic entry.
	if r.user != "" && m.UserID == r.user {
		if localID, ok := r.matchEchoLocked(m); ok {
			r.promoteEchoLocked(localID, m)
			return true
		}
	}

	// Genuinely new entry: append in arrival order.
	m.Status = protocol.AdvanceStatus(protocol.StatusDelivered, m.Status)
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	r.byID[m.ID] = len(r.msgs)
	r.msgs = append(r.msgs, m)
	return true
}

// matchEchoLocked scans from the tail for an optimistic local send with the
// same content whose nonce is still outstanding.
func (r *Reconciler) matchEchoLocked(m protocol.Message) (string, bool) {
	for i := len(r.msgs) - 1; i >= 0; i-- {
		local := r.msgs[i]
		if local.Nonce == "" || local.UserID != m.UserID || local.Content != m.Content {
			continue
		}
		if local.EditOf != m.EditOf {
			continue
		}
		if _, outstanding := r.pending[local.Nonce]; outstanding {
			delete(r.pending, local.Nonce)
			return local.ID, true
		}
	}
	return "", false
}

// promoteEchoLocked replaces a local optimistic entry in place with the
// server's authoritative copy, keeping its position and never regressing
// its status.
func (r *Reconciler) promoteEchoLocked(localID string, m protocol.Message) {
	idx, ok := r.byID[localID]
	if !ok {
		return
	}
	local := r.msgs[idx]

	status := protocol.AdvanceStatus(local.Status, protocol.StatusDelivered)
	status = protocol.AdvanceStatus(status, m.Status)

	if m.ID != "" && m.ID != localID {
		delete(r.byID, localID)
		local.ID = m.ID
		r.byID[m.ID] = idx
		// Keep the local ID resolvable so in-flight synthetic receipt
		// timers can still find the entry.
		r.byID[localID] = idx
	}
	if m.CreatedAt != 0 {
		local.CreatedAt = m.CreatedAt
	}
	local.Status = status
	local.Nonce = ""
	r.msgs[idx] = local
}

func (r *Reconciler) snapshotLocked() []protocol.Message {
	out := make([]protocol.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *Reconciler) notify(snapshot []protocol.Message) {
	if r.onChange != nil && snapshot != nil {
		r.onChange(snapshot)
	}
}
