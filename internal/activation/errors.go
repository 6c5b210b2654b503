package activation

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is matched by every *AlreadyActiveError.
	ErrAlreadyActive = errors.New("already active")

	// ErrMismatchedDeactivation is matched by every *MismatchedDeactivationError.
	ErrMismatchedDeactivation = errors.New("mismatched deactivation")
)

// AlreadyActiveError is returned when activating a slot that already holds
// a value. Current is the value that stayed active.
type AlreadyActiveError struct {
	Slot    string
	Current any
}

// Error implements the error interface.
func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("%s already active: %v", e.Slot, e.Current)
}

// Is allows errors.Is(err, ErrAlreadyActive).
func (e *AlreadyActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}

// MismatchedDeactivationError is returned when deactivating a slot with a
// value other than the one it holds.
type MismatchedDeactivationError struct {
	Slot      string
	Active    any
	Requested any
}

// Error implements the error interface.
func (e *MismatchedDeactivationError) Error() string {
	return fmt.Sprintf("cannot deactivate %s %v: %v is active", e.Slot, e.Requested, e.Active)
}

// Is allows errors.Is(err, ErrMismatchedDeactivation).
func (e *MismatchedDeactivationError) Is(target error) bool {
	return target == ErrMismatchedDeactivation
}
