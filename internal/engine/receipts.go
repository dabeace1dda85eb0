package engine

import (
	"sync"
	"time"

	"github.com/converge/chatsync/internal/protocol"
)

// ReceiptScheduler schedules delivery-status promotions for an optimistic
// local message. The synthetic implementation is a stand-in UX affordance for
// hosts with no authoritative transport; once a real server acknowledges
// messages, promotions flow through the reconciler's monotonic Promote and a
// synthetic timer can never regress a server-set status.
type ReceiptScheduler interface {
	// Schedule arranges future promotions for the message with the given
	// local ID. promote is safe to call from any goroutine.
	Schedule(id string, promote func(id, status string))

	// Stop cancels all pending promotions.
	Stop()
}

// NoReceipts schedules nothing. Used whenever a server connection provides
// real acknowledgement frames.
type NoReceipts struct{}

// Schedule implements ReceiptScheduler as a no-op.
func (NoReceipts) Schedule(string, func(string, string)) {}

// Stop implements ReceiptScheduler as a no-op.
func (NoReceipts) Stop() {}

// Default synthetic promotion delays.
const (
	DefaultDeliveredAfter = 800 * time.Millisecond
	DefaultReadAfter      = 2 * time.Second
)

// SyntheticReceipts promotes local messages sent -> delivered -> read on
// fixed timers, simulating acknowledgement in local-only mode.
type SyntheticReceipts struct {
	DeliveredAfter time.Duration
	ReadAfter      time.Duration

	mu     sync.Mutex
	timers []*time.Timer
}

// NewSyntheticReceipts creates a SyntheticReceipts with default delays.
func NewSyntheticReceipts() *SyntheticReceipts {
	return &SyntheticReceipts{
		DeliveredAfter: DefaultDeliveredAfter,
		ReadAfter:      DefaultReadAfter,
	}
}

// Schedule arms the delivered and read timers for the message.
func (s *SyntheticReceipts) Schedule(id string, promote func(id, status string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers,
		time.AfterFunc(s.DeliveredAfter, func() { promote(id, protocol.StatusDelivered) }),
		time.AfterFunc(s.ReadAfter, func() { promote(id, protocol.StatusRead) }),
	)
}

// Stop cancels all pending timers.
func (s *SyntheticReceipts) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
