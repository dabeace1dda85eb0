package engine

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Connect policy
// ---------------------------------------------------------------------------

// ConnectPolicy decides when the engine opens its socket. It is resolved once
// at startup and has no effect after the first connect attempt is scheduled.
type ConnectPolicy int

const (
	// PolicyImmediate connects as soon as the engine starts.
	PolicyImmediate ConnectPolicy = iota

	// PolicyIdleDeferred waits for the host to become visible, then for the
	// runtime to report idle (bounded by IdleTimeout), then connects.
	PolicyIdleDeferred

	// PolicyInteractionDeferred waits for the first user interaction or the
	// safety timeout, whichever comes first, then falls through to the
	// idle-deferred behavior.
	PolicyInteractionDeferred
)

// String returns a human-readable policy name.
func (p ConnectPolicy) String() string {
	switch p {
	case PolicyImmediate:
		return "immediate"
	case PolicyIdleDeferred:
		return "idle-deferred"
	case PolicyInteractionDeferred:
		return "interaction-deferred"
	default:
		return "unknown"
	}
}

// HostSignals abstracts the host environment events a deferred connect policy
// waits on. Each channel fires (or is closed) when the condition holds;
// implementations backed by a UI shell translate visibility, idle-callback,
// and input events into these channels.
type HostSignals interface {
	// Visible fires when the hosting surface is visible to the user.
	Visible() <-chan struct{}

	// Idle fires when the host runtime reports it is idle.
	Idle() <-chan struct{}

	// Interaction fires on the first user interaction (pointer, key,
	// touch, focus).
	Interaction() <-chan struct{}
}

// alwaysReady reports every condition as already satisfied.
type alwaysReady struct{ ch chan struct{} }

func (a alwaysReady) Visible() <-chan struct{}     { return a.ch }
func (a alwaysReady) Idle() <-chan struct{}        { return a.ch }
func (a alwaysReady) Interaction() <-chan struct{} { return a.ch }

// AlwaysReady returns HostSignals whose conditions are all immediately
// satisfied. It is the default for headless hosts.
func AlwaysReady() HostSignals {
	ch := make(chan struct{})
	close(ch)
	return alwaysReady{ch: ch}
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Default bounds for deferred connect waits.
const (
	DefaultInteractionTimeout = 5 * time.Second
	DefaultIdleTimeout        = 2 * time.Second
)

// Scheduler triggers a single connect call according to the configured
// policy. It is cancellable: if Stop is called (or the context is done)
// before the scheduled connect fires, no connection attempt occurs and the
// waiting goroutine exits.
type Scheduler struct {
	Policy             ConnectPolicy
	Signals            HostSignals
	InteractionTimeout time.Duration
	IdleTimeout        time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler creates a Scheduler for the given policy. A nil signals value
// defaults to AlwaysReady.
func NewScheduler(policy ConnectPolicy, signals HostSignals) *Scheduler {
	if signals == nil {
		signals = AlwaysReady()
	}
	return &Scheduler{
		Policy:             policy,
		Signals:            signals,
		InteractionTimeout: DefaultInteractionTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		done:               make(chan struct{}),
	}
}

// Start begins waiting per the policy and invokes connect at most once.
// Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context, connect func()) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx, connect)
	})
}

// Stop cancels any pending wait. If the connect has not fired yet it never
// will. Safe to call multiple times and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Done is closed once the scheduler goroutine has exited, whether the
// connect fired or the wait was cancelled.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context, connect func()) {
	defer close(s.done)

	switch s.Policy {
	case PolicyImmediate:
		// No wait.
	case PolicyInteractionDeferred:
		if !s.waitInteraction(ctx) {
			return
		}
		if !s.waitIdle(ctx) {
			return
		}
	case PolicyIdleDeferred:
		if !s.waitIdle(ctx) {
			return
		}
	}

	select {
	case <-ctx.Done():
		return
	default:
	}
	connect()
}

// waitInteraction blocks until the first user interaction or the safety
// timeout. Returns false if the context was cancelled.
func (s *Scheduler) waitInteraction(ctx context.Context) bool {
	timer := time.NewTimer(s.InteractionTimeout)
	defer timer.Stop()
	select {
	case <-s.Signals.Interaction():
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitIdle blocks until the host is visible and then until the runtime
// reports idle, bounded by the idle timeout. Returns false if the context
// was cancelled.
func (s *Scheduler) waitIdle(ctx context.Context) bool {
	select {
	case <-s.Signals.Visible():
	case <-ctx.Done():
		return false
	}

	timer := time.NewTimer(s.IdleTimeout)
	defer timer.Stop()
	select {
	case <-s.Signals.Idle():
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
