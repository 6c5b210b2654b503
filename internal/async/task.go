// Package async runs named background work whose completion can be awaited
// with a bound.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/logging"
)

// State is the lifecycle stage of a Task.
type State int32

const (
	NotStarted State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PanicError records a panic recovered from a task body.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Task is a unit of background work. Start launches it at most once; Join
// and Wait observe completion.
type Task struct {
	name   string
	fn     func()
	logger *logging.Logger

	once  sync.Once
	state atomic.Int32
	done  chan struct{}
	err   error
}

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the logger used to report panics.
func WithLogger(l *logging.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// New creates a task that will run fn once started.
func New(name string, fn func(), opts ...Option) *Task {
	t := &Task{
		name: name,
		fn:   fn,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger)
	return t
}

// Go creates and starts a task.
func Go(name string, fn func(), opts ...Option) *Task {
	t := New(name, fn, opts...)
	t.Start()
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Start launches the task. Calls after the first are no-ops.
func (t *Task) Start() {
	t.once.Do(func() {
		t.state.Store(int32(Running))
		go t.run()
	})
}

func (t *Task) run() {
	defer func() {
		if r := recover(); r != nil {
			t.err = &PanicError{Task: t.name, Value: r, Stack: debug.Stack()}
			t.logger.Error(context.Background(), "background task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r),
			)
		}
		t.state.Store(int32(Done))
		close(t.done)
	}()
	t.fn()
}

// State returns the current lifecycle stage.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task body has returned or panicked.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the recovered panic, if any. Only meaningful once Done is
// closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Join waits up to timeout for the task to finish and reports whether it
// did. A non-positive timeout waits indefinitely. A task that was never
// started reports false immediately.
func (t *Task) Join(timeout time.Duration) bool {
	if t.State() == NotStarted {
		return false
	}
	if timeout <= 0 {
		<-t.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Wait blocks until the task finishes or ctx is done. It returns the
// recovered panic, the context error, or nil.
func (t *Task) Wait(ctx context.Context) error {
	if t.State() == NotStarted {
		return fmt.Errorf("task %s not started", t.name)
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
