// Package span defines the session, module, suite and test handles reported
// for a test run, and the events they produce when finished.
package span

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the level of a span in the test hierarchy.
type Kind string

const (
	KindSession Kind = "test_session_end"
	KindModule  Kind = "test_module_end"
	KindSuite   Kind = "test_suite_end"
	KindTest    Kind = "test"
)

// Status is the outcome of a span.
type Status string

const (
	StatusUnset Status = ""
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusSkip  Status = "skip"
)

// Merge combines a child outcome into a parent outcome. A failure anywhere
// fails the parent; a pass beats a skip.
func (s Status) Merge(child Status) Status {
	switch {
	case s == StatusFail || child == StatusFail:
		return StatusFail
	case s == StatusPass || child == StatusPass:
		return StatusPass
	case child == StatusSkip:
		return StatusSkip
	default:
		return s
	}
}

// Span is the state shared by every handle. Tags and status may be updated
// from any goroutine.
type Span struct {
	kind    Kind
	id      uuid.UUID
	name    string
	service string
	parents Parents
	start   time.Time

	mu       sync.Mutex
	tags     map[string]string
	status   Status
	finished bool
}

// Parents links a span to its ancestors. Unknown ancestors are uuid.Nil.
type Parents struct {
	Session uuid.UUID
	Module  uuid.UUID
	Suite   uuid.UUID
}

func (s *Span) init(kind Kind, name, service string, parents Parents, tags map[string]string) {
	s.kind = kind
	s.id = uuid.New()
	s.name = name
	s.service = service
	s.parents = parents
	s.start = time.Now()
	s.tags = make(map[string]string, len(tags))
	maps.Copy(s.tags, tags)
}

func (s *Span) ID() uuid.UUID { return s.id }

func (s *Span) Name() string { return s.name }

func (s *Span) Kind() Kind { return s.kind }

func (s *Span) Service() string { return s.service }

func (s *Span) Parents() Parents { return s.parents }

func (s *Span) StartTime() time.Time { return s.start }

// String identifies the span in logs and error messages.
func (s *Span) String() string {
	return fmt.Sprintf("%s %q (%s)", s.kind, s.name, s.id)
}

// SetTag sets a single tag.
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

// Tag returns a single tag.
func (s *Span) Tag(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[key]
	return v, ok
}

// Tags returns a copy of all tags.
func (s *Span) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.tags)
}

// SetStatus overwrites the status.
func (s *Span) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// RecordChild merges a child outcome into this span's status.
func (s *Span) RecordChild(child Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = s.status.Merge(child)
}

// Status returns the current status.
func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Finished reports whether Finish has been called.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Finish closes the span and returns its event. Only the first call
// produces an event; later calls return false.
func (s *Span) Finish() (Event, bool) {
	end := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return Event{}, false
	}
	s.finished = true

	ev := Event{
		Type:     s.kind,
		ID:       s.id.String(),
		Name:     s.name,
		Service:  s.service,
		Status:   s.status,
		Tags:     maps.Clone(s.tags),
		Start:    s.start,
		Duration: end.Sub(s.start),
	}
	if s.parents.Session != uuid.Nil {
		ev.SessionID = s.parents.Session.String()
	}
	if s.parents.Module != uuid.Nil {
		ev.ModuleID = s.parents.Module.String()
	}
	if s.parents.Suite != uuid.Nil {
		ev.SuiteID = s.parents.Suite.String()
	}
	return ev, true
}
