// Package history persists conversation messages and serves the recent-slice
// backfill sent to clients on join. Two backends are provided: an in-memory
// ring for tests and single-node runs, and PostgreSQL for durable storage.
package history

import (
	"context"
	"sync"

	"github.com/converge/chatsync/internal/protocol"
)

// Store is the persistence interface for conversation messages. Recent
// returns at most limit messages in ascending arrival order (oldest first),
// matching the order clients display them in.
type Store interface {
	Append(ctx context.Context, msg protocol.Message) error
	Recent(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error)
}

// DefaultMemoryCap bounds per-conversation retention in the memory store.
const DefaultMemoryCap = 500

// MemoryStore keeps messages in per-conversation slices with a fixed cap.
type MemoryStore struct {
	mu    sync.RWMutex
	cap   int
	convs map[string][]protocol.Message
}

// NewMemoryStore creates a MemoryStore retaining up to capPerConversation
// messages per conversation; zero or negative means DefaultMemoryCap.
func NewMemoryStore(capPerConversation int) *MemoryStore {
	if capPerConversation <= 0 {
		capPerConversation = DefaultMemoryCap
	}
	return &MemoryStore{
		cap:   capPerConversation,
		convs: make(map[string][]protocol.Message),
	}
}

// Append records the message, evicting the oldest entry at the cap.
func (s *MemoryStore) Append(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.convs[msg.ConversationID], msg)
	if len(msgs) > s.cap {
		msgs = msgs[len(msgs)-s.cap:]
	}
	s.convs[msg.ConversationID] = msgs
	return nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *MemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.convs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]protocol.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
