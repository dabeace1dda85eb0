package engine

import (
	"sort"
	"sync"
	"time"
)

// Default typing coordinator timings.
const (
	DefaultQuietPeriod  = 1500 * time.Millisecond
	DefaultTypingExpiry = 6 * time.Second
)

// TypingState is an ephemeral record of one remote user currently typing.
type TypingState struct {
	UserID      string
	DisplayName string
	LastSignal  time.Time
}

// TypingCoordinator debounces local typing activity into at most one
// typing{true} per burst and exactly one typing{false} after the quiet
// period, and tracks remote typing state with a defensive expiry in case a
// stop signal is lost.
type TypingCoordinator struct {
	mu       sync.Mutex
	quiet    time.Duration
	expiry   time.Duration
	active   bool
	stopped  bool
	gen      uint64 // burst generation; stale quiet timers must not fire
	timer    *time.Timer
	remote   map[string]*typist
	self     string
	send     func(isTyping bool)
	onChange func([]TypingState)
}

type typist struct {
	state  TypingState
	expire *time.Timer
}

// NewTypingCoordinator creates a coordinator. send is invoked for outbound
// typing envelopes; onChange, if non-nil, receives a snapshot of remote
// typists after every inbound change. Zero durations take the defaults.
func NewTypingCoordinator(quiet, expiry time.Duration, send func(isTyping bool), onChange func([]TypingState)) *TypingCoordinator {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if send == nil {
		send = func(bool) {}
	}
	return &TypingCoordinator{
		quiet:    quiet,
		expiry:   expiry,
		remote:   make(map[string]*typist),
		send:     send,
		onChange: onChange,
	}
}

// SetSelf records the local user ID so inbound self-signals are ignored.
func (t *TypingCoordinator) SetSelf(userID string) {
	t.mu.Lock()
	t.self = userID
	t.mu.Unlock()
}

// NoteActivity registers local typing activity. The first call of a burst
// sends typing{true}; repeated activity before the quiet period elapses only
// resets the timer. Once the quiet period passes with no further activity,
// typing{false} is sent exactly once.
func (t *TypingCoordinator) NoteActivity() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	first := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	// Stop does not cover a timer whose callback is already blocked on the
	// mutex; the generation check inside quietElapsed does.
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.quiet, func() { t.quietElapsed(gen) })
	t.mu.Unlock()

	if first {
		t.send(true)
	}
}

// quietElapsed fires when the quiet period passes without activity. A timer
// superseded by fresh activity carries a stale generation and no-ops.
func (t *TypingCoordinator) quietElapsed(gen uint64) {
	t.mu.Lock()
	if t.stopped || !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	t.send(false)
}

// ApplyRemote upserts or removes a remote user's typing state. Signals from
// the local user are always ignored.
func (t *TypingCoordinator) ApplyRemote(userID, displayName string, isTyping bool) {
	t.mu.Lock()
	if t.stopped || userID == "" || userID == t.self {
		t.mu.Unlock()
		return
	}

	changed := false
	if isTyping {
		entry, ok := t.remote[userID]
		if !ok {
			entry = &typist{}
			t.remote[userID] = entry
			changed = true
		}
		entry.state = TypingState{UserID: userID, DisplayName: displayName, LastSignal: time.Now()}
		if entry.expire != nil {
			entry.expire.Stop()
		}
		entry.expire = time.AfterFunc(t.expiry, func() { t.expire(userID) })
	} else {
		changed = t.removeLocked(userID)
	}

	var snapshot []TypingState
	if changed {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

// expire removes an entry whose stop signal never arrived.
func (t *TypingCoordinator) expire(userID string) {
	t.mu.Lock()
	changed := t.removeLocked(userID)
	var snapshot []TypingState
	if changed {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

// Reset drops all remote typing state, e.g. on a room switch.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	for id := range t.remote {
		t.removeLocked(id)
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// Typists returns the current remote typing states, ordered by user ID for
// stable snapshots.
func (t *TypingCoordinator) Typists() []TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Stop cancels all timers. Subsequent activity and inbound signals are
// ignored.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
	}
	for id, entry := range t.remote {
		if entry.expire != nil {
			entry.expire.Stop()
		}
		delete(t.remote, id)
	}
}

func (t *TypingCoordinator) removeLocked(userID string) bool {
	entry, ok := t.remote[userID]
	if !ok {
		return false
	}
	if entry.expire != nil {
		entry.expire.Stop()
	}
	delete(t.remote, userID)
	return true
}

func (t *TypingCoordinator) snapshotLocked() []TypingState {
	out := make([]TypingState, 0, len(t.remote))
	for _, entry := range t.remote {
		out = append(out, entry.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *TypingCoordinator) notify(snapshot []TypingState) {
	if t.onChange != nil && snapshot != nil {
		t.onChange(snapshot)
	}
}
