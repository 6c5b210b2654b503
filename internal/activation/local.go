package activation

import (
	"sync"

	"github.com/fyrsmithlabs/testvis/internal/procid"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

// Local tracks the single active test of each execution unit. Tests never
// nest within one unit, so each unit owns exactly one slot.
//
// The map is guarded because units are added and released concurrently;
// each slot is only ever written by its own unit.
type Local struct {
	tracker *procid.Tracker

	mu    sync.RWMutex
	slots map[Unit]*Slot[*span.Test]
}

// NewLocal creates an empty tracker. A nil tracker disables fork checks.
func NewLocal(tracker *procid.Tracker) *Local {
	return &Local{
		tracker: tracker,
		slots:   make(map[Unit]*Slot[*span.Test]),
	}
}

// Activate marks test as active for unit.
func (l *Local) Activate(unit Unit, test *span.Test) error {
	if l.tracker != nil && l.tracker.Forked() {
		l.Reset()
	}

	l.mu.Lock()
	slot, ok := l.slots[unit]
	if !ok {
		slot = NewSlot[*span.Test]("test")
		l.slots[unit] = slot
	}
	l.mu.Unlock()

	return slot.Activate(test)
}

// Deactivate clears test from unit. Once the slot is empty it is released.
func (l *Local) Deactivate(unit Unit, test *span.Test) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[unit]
	if !ok {
		return nil
	}
	if err := slot.Deactivate(test); err != nil {
		return err
	}
	delete(l.slots, unit)
	return nil
}

// Active returns the active test of unit.
func (l *Local) Active(unit Unit) (*span.Test, bool) {
	l.mu.RLock()
	slot, ok := l.slots[unit]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return slot.Current()
}

// Run activates test for the duration of fn. The test is deactivated on
// every exit path; a panic in fn is re-raised after deactivation.
func (l *Local) Run(unit Unit, test *span.Test, fn func() error) (err error) {
	if err := l.Activate(unit, test); err != nil {
		return err
	}
	defer func() {
		if derr := l.Deactivate(unit, test); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn()
}

// Len returns the number of units with an active test.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

// Reset drops every slot.
func (l *Local) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots = make(map[Unit]*Slot[*span.Test])
}
