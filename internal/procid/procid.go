// Package procid detects that the running process is no longer the one that
// created a piece of state, so buffers and per-unit state inherited across a
// fork can be discarded instead of reused.
package procid

import (
	"os"
	"sync/atomic"
)

// Provider reports the identity of the current process.
type Provider interface {
	PID() int
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() int

// PID implements Provider.
func (f ProviderFunc) PID() int { return f() }

// OS reports the operating system process id.
type OS struct{}

// PID implements Provider.
func (OS) PID() int { return os.Getpid() }

// Tracker remembers the process that owns some state and reports when the
// current process differs.
type Tracker struct {
	provider Provider
	owner    atomic.Int64
}

// NewTracker creates a tracker owned by the current process. A nil provider
// uses OS.
func NewTracker(provider Provider) *Tracker {
	if provider == nil {
		provider = OS{}
	}
	t := &Tracker{provider: provider}
	t.owner.Store(int64(provider.PID()))
	return t
}

// Forked reports whether the process identity changed since the last
// observation. Exactly one caller sees true per change; that caller is
// responsible for resetting the tracked state.
func (t *Tracker) Forked() bool {
	current := int64(t.provider.PID())
	owner := t.owner.Load()
	if current == owner {
		return false
	}
	return t.owner.CompareAndSwap(owner, current)
}

// Owner returns the process id the tracked state belongs to.
func (t *Tracker) Owner() int {
	return int(t.owner.Load())
}
