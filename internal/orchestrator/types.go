package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

// Subsystem is configured from library settings at session start.
type Subsystem interface {
	Name() string
	Configure(ctx context.Context, settings *remote.Settings, session *span.Session) error
}

// ConfigureFunc is the signature of Subsystem.Configure.
type ConfigureFunc func(ctx context.Context, settings *remote.Settings, session *span.Session) error

type funcSubsystem struct {
	name string
	fn   ConfigureFunc
}

func (f funcSubsystem) Name() string { return f.name }

func (f funcSubsystem) Configure(ctx context.Context, settings *remote.Settings, session *span.Session) error {
	return f.fn(ctx, settings, session)
}

// SubsystemFunc adapts a function to Subsystem.
func SubsystemFunc(name string, fn ConfigureFunc) Subsystem {
	return funcSubsystem{name: name, fn: fn}
}

// Outcome is how a subsystem's configuration ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomePanic   Outcome = "panic"
	OutcomePending Outcome = "pending"
)

// Progress is reported once per subsystem: when it finishes, or as pending
// at the deadline if it is still running.
type Progress struct {
	Subsystem string
	Outcome   Outcome
	Err       error
	Elapsed   time.Duration
}

// ProgressCallback receives progress updates. It is called from the
// subsystem goroutines and must be safe for concurrent use.
type ProgressCallback func(Progress)

// Result lists which subsystems finished within the deadline.
type Result struct {
	Completed []string
	Pending   []string
	Elapsed   time.Duration
}

// AllCompleted reports whether no subsystem was left running.
func (r Result) AllCompleted() bool {
	return len(r.Pending) == 0
}
