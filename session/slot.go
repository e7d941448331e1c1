// Package session tracks the single in-flight session each protocol role is
// allowed to hold.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one claimed slot: the held value plus bookkeeping for logs
type Session[T any] struct {
	ID      uuid.UUID
	Started time.Time
	Value   T
}

// Age returns how long the session has been held
func (s *Session[T]) Age() time.Duration {
	return time.Since(s.Started)
}

// Slot holds at most one session at a time. It is not safe for concurrent
// use; each role owns its slot from its event loop.
type Slot[T any] struct {
	current *Session[T]
	now     func() time.Time
}

// Acquire claims the slot for v. It returns nil if a session is already held.
func (s *Slot[T]) Acquire(v T) *Session[T] {
	if s.current != nil {
		return nil
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	s.current = &Session[T]{
		ID:      uuid.New(),
		Started: now(),
		Value:   v,
	}
	return s.current
}

// Release empties the slot and returns what it held, or nil
func (s *Slot[T]) Release() *Session[T] {
	held := s.current
	s.current = nil
	return held
}

// Current returns the held session, or nil
func (s *Slot[T]) Current() *Session[T] {
	return s.current
}

// Active reports whether a session is held
func (s *Slot[T]) Active() bool {
	return s.current != nil
}
