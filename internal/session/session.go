package session

import (
	"fmt"
	"sync"
	"time"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled, StatusError},
	StatusActive:  {StatusCompleted, StatusCancelled, StatusError},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session guards one State. The scheduler and compactor are its only writers.
type Session struct {
	mu  sync.RWMutex
	st  State
	now func() time.Time
}

// New wraps a copy of st.
func New(st State) *Session {
	return &Session{st: st.Clone(), now: time.Now}
}

// WithClock overrides the timestamp source.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ID
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Clone()
}

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Status
}

// Turn returns the role expected to speak next. It is empty once the
// session is terminal.
func (s *Session) Turn() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Turn
}

// Messages returns a copy of the visible log, summaries included.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.st.Messages...)
}

// Activate moves a pending session to active with turn as holder. An already
// active session keeps its stored holder so resumed runs continue in place.
func (s *Session) Activate(turn Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.st.Status {
	case StatusActive:
		if s.st.Turn != RoleSeeker && s.st.Turn != RoleOwner {
			s.st.Turn = turn
		}
		return nil
	case StatusPending:
		if turn != RoleSeeker && turn != RoleOwner {
			return fmt.Errorf("activate %s: turn holder %q: %w", s.st.ID, turn, ErrInvalidTransition)
		}
		s.st.Status = StatusActive
		s.st.Turn = turn
		s.st.UpdatedAt = s.now()
		return nil
	}
	return fmt.Errorf("activate %s from %s: %w", s.st.ID, s.st.Status, ErrInvalidTransition)
}

// Append adds one message at the end of the log.
func (s *Session) Append(role Role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Status != StatusActive {
		return Message{}, fmt.Errorf("append to %s (%s): %w", s.st.ID, s.st.Status, ErrFrozen)
	}
	if !role.valid() {
		return Message{}, fmt.Errorf("append to %s: unknown role %q", s.st.ID, role)
	}
	seq := 1
	if n := len(s.st.Messages); n > 0 {
		seq = s.st.Messages[n-1].Seq + 1
	}
	now := s.now()
	msg := Message{Role: role, Content: content, Seq: seq, Timestamp: now}
	s.st.Messages = append(s.st.Messages, msg)
	s.st.UpdatedAt = now
	return msg, nil
}

// FlipTurn hands the turn to the counterpart.
func (s *Session) FlipTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Status != StatusActive {
		return fmt.Errorf("flip turn on %s: %w", s.st.ID, ErrFrozen)
	}
	s.st.Turn = s.st.Turn.Other()
	return nil
}

// Compact replaces the log with summary followed by tail. Relative order of
// tail is preserved and the logical length never shrinks.
func (s *Session) Compact(summary Message, tail []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Status != StatusActive {
		return fmt.Errorf("compact %s: %w", s.st.ID, ErrFrozen)
	}
	next := make([]Message, 0, len(tail)+1)
	next = append(next, summary)
	next = append(next, tail...)
	if LogicalLen(next) < LogicalLen(s.st.Messages) {
		return fmt.Errorf("compact %s: summary covers %d of %d messages", s.st.ID, LogicalLen(next), LogicalLen(s.st.Messages))
	}
	s.st.Messages = next
	s.st.Summary = summary.Content
	s.st.UpdatedAt = s.now()
	return nil
}

// Finish moves the session to a terminal status. The turn holder is cleared.
func (s *Session) Finish(status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.Terminal() || !CanTransition(s.st.Status, status) {
		return fmt.Errorf("finish %s: %s -> %s: %w", s.st.ID, s.st.Status, status, ErrInvalidTransition)
	}
	s.st.Status = status
	s.st.Reason = reason
	s.st.Turn = ""
	s.st.UpdatedAt = s.now()
	return nil
}
