package activation

import "sync"

// Slot holds zero or one value of T. Between Activate(v) and the matching
// Deactivate(v), every reader observes v.
//
// T is compared with ==, so handle types should be pointers.
type Slot[T comparable] struct {
	name string

	mu     sync.RWMutex
	value  T
	active bool
}

// NewSlot creates an empty slot. The name is used in error messages.
func NewSlot[T comparable](name string) *Slot[T] {
	return &Slot[T]{name: name}
}

// Activate stores v. It fails with *AlreadyActiveError if the slot is
// occupied, even when the occupant equals v.
func (s *Slot[T]) Activate(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return &AlreadyActiveError{Slot: s.name, Current: s.value}
	}
	s.value = v
	s.active = true
	return nil
}

// Deactivate clears the slot if it holds expected. An empty slot is a
// no-op; any other occupant yields *MismatchedDeactivationError.
func (s *Slot[T]) Deactivate(expected T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	if s.value != expected {
		return &MismatchedDeactivationError{Slot: s.name, Active: s.value, Requested: expected}
	}
	s.clear()
	return nil
}

// Current returns the active value, if any.
func (s *Slot[T]) Current() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.active
}

// Reset empties the slot regardless of its occupant.
func (s *Slot[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

// swap clears the slot and returns what it held.
func (s *Slot[T]) swap() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.value, s.active
	s.clear()
	return v, ok
}

func (s *Slot[T]) clear() {
	var zero T
	s.value = zero
	s.active = false
}
