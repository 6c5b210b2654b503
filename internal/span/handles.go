package span

import (
	"maps"
)

// Session is the root of a test run.
type Session struct {
	Span
	inheritable map[string]string
}

// NewSession creates a session. Inheritable tags are copied onto every
// span created beneath it.
func NewSession(name, service string, inheritable map[string]string) *Session {
	s := &Session{inheritable: maps.Clone(inheritable)}
	if s.inheritable == nil {
		s.inheritable = map[string]string{}
	}
	s.init(KindSession, name, service, Parents{}, s.inheritable)
	s.parents.Session = s.id
	return s
}

// InheritableTags returns a copy of the tags children inherit.
func (s *Session) InheritableTags() map[string]string {
	return maps.Clone(s.inheritable)
}

// Module groups suites, typically one build target or package tree.
type Module struct {
	Span
}

// NewModule creates a module under session, which may be nil.
func NewModule(session *Session, name string) *Module {
	parents, service, tags := inherit(session)
	m := &Module{}
	m.init(KindModule, name, service, parents, tags)
	m.parents.Module = m.id
	return m
}

// Suite groups tests, typically one package or test class.
type Suite struct {
	Span
}

// NewSuite creates a suite. Session and module may be nil.
func NewSuite(session *Session, module *Module, name string) *Suite {
	parents, service, tags := inherit(session)
	if module != nil {
		parents.Module = module.id
	}
	s := &Suite{}
	s.init(KindSuite, name, service, parents, tags)
	s.parents.Suite = s.id
	return s
}

// Test is a single test case execution.
type Test struct {
	Span
	suite *Suite
}

// NewTest creates a test inside suite, which may be nil.
func NewTest(session *Session, suite *Suite, name string) *Test {
	parents, service, tags := inherit(session)
	if suite != nil {
		parents.Module = suite.parents.Module
		parents.Suite = suite.id
		tags[TagSuite] = suite.name
	}
	tags[TagName] = name
	t := &Test{suite: suite}
	t.init(KindTest, name, service, parents, tags)
	return t
}

// Suite returns the suite the test belongs to, or nil.
func (t *Test) Suite() *Suite {
	return t.suite
}

func inherit(session *Session) (Parents, string, map[string]string) {
	if session == nil {
		return Parents{}, "", map[string]string{}
	}
	return Parents{Session: session.id}, session.service, session.InheritableTags()
}
