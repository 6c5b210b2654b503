package activation

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/testvis/internal/procid"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

// Global tracks the process-wide active session, module and suites. It is
// shared by every goroutine of the run.
type Global struct {
	tracker *procid.Tracker

	session *Slot[*span.Session]
	module  *Slot[*span.Module]

	mu     sync.RWMutex
	suites map[string]*Slot[*span.Suite]
	flight singleflight.Group
}

// NewGlobal creates an empty tracker. A nil tracker disables fork checks.
func NewGlobal(tracker *procid.Tracker) *Global {
	return &Global{
		tracker: tracker,
		session: NewSlot[*span.Session]("session"),
		module:  NewSlot[*span.Module]("module"),
		suites:  make(map[string]*Slot[*span.Suite]),
	}
}

// ActivateSession marks session as active. The error names the session
// that is already active, if any.
func (g *Global) ActivateSession(session *span.Session) error {
	g.checkFork()
	return g.session.Activate(session)
}

// DeactivateSession clears the active session and returns it.
func (g *Global) DeactivateSession() (*span.Session, bool) {
	return g.session.swap()
}

// ActiveSession returns the active session.
func (g *Global) ActiveSession() (*span.Session, bool) {
	g.checkFork()
	return g.session.Current()
}

// ActivateModule marks module as active.
func (g *Global) ActivateModule(module *span.Module) error {
	g.checkFork()
	return g.module.Activate(module)
}

// DeactivateModule clears the active module and returns it.
func (g *Global) DeactivateModule() (*span.Module, bool) {
	return g.module.swap()
}

// ActiveModule returns the active module.
func (g *Global) ActiveModule() (*span.Module, bool) {
	g.checkFork()
	return g.module.Current()
}

// FetchOrActivateSuite returns the suite active under name, constructing
// and activating one if there is none. Among concurrent callers racing on
// the same name, construct runs exactly once and every caller receives the
// same suite. A nil result from construct is returned without activation.
func (g *Global) FetchOrActivateSuite(name string, construct func() *span.Suite) *span.Suite {
	if suite, ok := g.ActiveSuite(name); ok {
		return suite
	}

	// Concurrent callers for the same name share one execution; a caller
	// arriving after it finished finds the suite in the table.
	v, _, _ := g.flight.Do(name, func() (any, error) {
		if suite, ok := g.ActiveSuite(name); ok {
			return suite, nil
		}

		suite := construct()
		if suite == nil {
			return (*span.Suite)(nil), nil
		}

		slot := NewSlot[*span.Suite]("suite " + name)
		// A fresh slot cannot be occupied.
		_ = slot.Activate(suite)

		g.mu.Lock()
		g.suites[name] = slot
		g.mu.Unlock()
		return suite, nil
	})
	return v.(*span.Suite)
}

// DeactivateSuite clears the suite active under name. Unknown names are a
// no-op.
func (g *Global) DeactivateSuite(name string) (*span.Suite, bool) {
	g.mu.Lock()
	slot, ok := g.suites[name]
	delete(g.suites, name)
	g.mu.Unlock()

	if !ok {
		return nil, false
	}
	return slot.swap()
}

// ActiveSuite returns the suite active under name.
func (g *Global) ActiveSuite(name string) (*span.Suite, bool) {
	g.checkFork()
	g.mu.RLock()
	slot, ok := g.suites[name]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return slot.Current()
}

// ActiveSuites returns a snapshot of every active suite by name.
func (g *Global) ActiveSuites() map[string]*span.Suite {
	g.checkFork()
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]*span.Suite, len(g.suites))
	for name, slot := range g.suites {
		if suite, ok := slot.Current(); ok {
			out[name] = suite
		}
	}
	return out
}

// InheritableSessionTags returns the active session's inheritable tags, or
// an empty map when no session is active.
func (g *Global) InheritableSessionTags() map[string]string {
	session, ok := g.ActiveSession()
	if !ok {
		return map[string]string{}
	}
	return session.InheritableTags()
}

// Service returns the active session's service, or "" when no session is
// active.
func (g *Global) Service() string {
	session, ok := g.ActiveSession()
	if !ok {
		return ""
	}
	return session.Service()
}

// checkFork drops state inherited from a parent process. Exactly one caller
// per identity change performs the reset.
func (g *Global) checkFork() {
	if g.tracker != nil && g.tracker.Forked() {
		g.Reset()
	}
}

// Reset clears the session, the module and every suite.
func (g *Global) Reset() {
	g.session.Reset()
	g.module.Reset()

	g.mu.Lock()
	g.suites = make(map[string]*Slot[*span.Suite])
	g.mu.Unlock()
}
