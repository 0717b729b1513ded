package session

import (
	"context"
	"sync"
	"time"

	"homerbot/internal/automation"
)

// State is the lifecycle state of an automation session.
//
// Transitions are monotonic (Created -> AwaitingInput -> Authenticated)
// except that any state may jump directly to Closed. Closed is terminal.
type State int

const (
	StateCreated State = iota
	StateAwaitingInput
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live automation session owning its driver.
//
// All mutable fields are guarded by mu; the registry is the only writer.
type Session struct {
	ID       string
	Username string

	driver automation.Driver

	mu              sync.Mutex
	state           State
	createdAt       time.Time
	lastActivityAt  time.Time
	authenticatedAt time.Time // zero until the single Authenticated transition

	// opCancel aborts the in-flight driver operation (login/transfer).
	opCancel context.CancelFunc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthenticatedAt returns the instant of the Authenticated transition,
// or zero if the session never authenticated.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticatedAt
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Touch records client activity, deferring the idle sweep.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

// PendingInputType reports what the driver is waiting for. A closed
// session never reports pending input.
func (s *Session) PendingInputType() automation.InputKind {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return automation.InputNone
	}
	return s.driver.PendingInputType()
}

// PendingInputData returns the driver's prompt payload (opaque).
func (s *Session) PendingInputData() any {
	return s.driver.PendingInputData()
}

// SubmitInput forwards value to the driver only while an input is
// actually pending. Returns false otherwise.
func (s *Session) SubmitInput(value string) bool {
	if s.PendingInputType() == automation.InputNone {
		return false
	}
	return s.driver.SubmitInput(value)
}

// Stats proxies the driver's session stats.
func (s *Session) Stats() automation.Stats {
	return s.driver.Stats()
}

// MarkAwaitingInput moves Created/AwaitingInput sessions into
// AwaitingInput. No-op for Authenticated and Closed. Called on the poll
// path whenever the driver reports a pending prompt.
func (s *Session) MarkAwaitingInput() {
	s.mu.Lock()
	if s.state == StateCreated || s.state == StateAwaitingInput {
		s.state = StateAwaitingInput
	}
	s.mu.Unlock()
}

// markAuthenticated performs the single transition into Authenticated.
// Idempotent: already-Authenticated and Closed sessions are left alone.
func (s *Session) markAuthenticated(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated || s.state == StateClosed {
		return false
	}
	s.state = StateAuthenticated
	s.authenticatedAt = now
	s.lastActivityAt = now
	return true
}

// markClosed transitions to Closed (valid from any state) and cancels
// the in-flight driver operation. Returns false if already closed.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	if s.opCancel != nil {
		s.opCancel()
		s.opCancel = nil
	}
	return true
}

func (s *Session) setOpCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	s.opCancel = cancel
	s.mu.Unlock()
}

func (s *Session) clearOpCancel() {
	s.mu.Lock()
	s.opCancel = nil
	s.mu.Unlock()
}
