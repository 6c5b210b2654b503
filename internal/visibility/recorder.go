// Package visibility records a test run: it tracks the active session,
// module, suites and tests, and ships every finished span through the
// buffered writer.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/activation"
	"github.com/fyrsmithlabs/testvis/internal/async"
	"github.com/fyrsmithlabs/testvis/internal/gitmeta"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/orchestrator"
	"github.com/fyrsmithlabs/testvis/internal/procid"
	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/retries"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/writer"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrNoActiveModule  = errors.New("no active module")
	ErrNoActiveSuite   = errors.New("no active suite")
)

// Redactor removes sensitive values from tag text before events are
// written.
type Redactor interface {
	Redact(content string) string
}

// Options configures a Recorder.
type Options struct {
	Service string
	Env     string

	// Deliverer receives finished span events. Required.
	Deliverer writer.Deliverer[span.Event]
	Writer    writer.Config

	// Fetcher provides library settings; nil uses remote.Defaults.
	Fetcher remote.Fetcher
	// ConfigureDeadline bounds the settings fetch and subsystem
	// configuration together.
	ConfigureDeadline time.Duration
	// Subsystems are configured alongside the built-in retry policy.
	Subsystems   []orchestrator.Subsystem
	Orchestrator *orchestrator.Orchestrator

	// GitPath enables git metadata tags when set.
	GitPath string
	// Uploader receives recent commits when set.
	Uploader    gitmeta.Uploader
	CommitLimit int

	// Redactor scrubs every tag value of finished spans when set.
	Redactor Redactor

	Process procid.Provider
	Logger  *logging.Logger
}

// Recorder is safe for concurrent use by test adapters.
type Recorder struct {
	opts   Options
	logger *logging.Logger

	global  *activation.Global
	local   *activation.Local
	writer  *writer.Writer[span.Event]
	orch    *orchestrator.Orchestrator
	retries *retries.Policy

	mu       sync.Mutex
	gitTask  *async.Task
	settings *remote.Settings
	result   orchestrator.Result
}

// New creates a recorder. Nothing runs until StartSession.
func New(opts Options) *Recorder {
	logger := logging.OrNop(opts.Logger).Named("visibility")

	wcfg := opts.Writer
	if wcfg.Logger == nil {
		wcfg.Logger = logger
	}
	if wcfg.Process == nil {
		wcfg.Process = opts.Process
	}

	orch := opts.Orchestrator
	if orch == nil {
		orch = orchestrator.New(orchestrator.WithLogger(logger))
	}

	return &Recorder{
		opts:    opts,
		logger:  logger,
		global:  activation.NewGlobal(procid.NewTracker(opts.Process)),
		local:   activation.NewLocal(procid.NewTracker(opts.Process)),
		writer:  writer.New(opts.Deliverer, wcfg),
		orch:    orch,
		retries: retries.New(),
	}
}

// StartSession activates a new session, kicks off the commit upload and
// applies library settings to every subsystem. Tags are inherited by all
// spans of the session.
func (r *Recorder) StartSession(ctx context.Context, name string, tags map[string]string) (*span.Session, error) {
	inheritable := map[string]string{}
	if r.opts.Env != "" {
		inheritable["env"] = r.opts.Env
	}

	var meta *gitmeta.Metadata
	if r.opts.GitPath != "" {
		var err error
		meta, err = gitmeta.Collect(r.opts.GitPath)
		if err != nil {
			r.logger.Warn(ctx, "git metadata unavailable", zap.Error(err))
		} else {
			maps.Copy(inheritable, meta.Tags())
		}
	}
	maps.Copy(inheritable, tags)

	session := span.NewSession(name, r.opts.Service, inheritable)
	if err := r.global.ActivateSession(session); err != nil {
		return nil, fmt.Errorf("starting session %q: %w", name, err)
	}
	ctx = logging.WithSessionID(ctx, session.ID().String())

	if r.opts.Uploader != nil && r.opts.GitPath != "" {
		task := gitmeta.UploadTask(ctx, r.opts.GitPath, r.opts.CommitLimit, r.opts.Uploader, r.logger)
		task.Start()
		r.mu.Lock()
		r.gitTask = task
		r.mu.Unlock()
	}

	req := remote.Request{Service: r.opts.Service, Env: r.opts.Env}
	if meta != nil {
		req.Repository = meta.RepositoryURL
		req.Branch = meta.Branch
		req.SHA = meta.CommitSHA
	}
	due := time.Now().Add(r.opts.ConfigureDeadline)
	settings := remote.FetchWithin(ctx, r.opts.Fetcher, req, r.opts.ConfigureDeadline, r.logger)

	subsystems := append([]orchestrator.Subsystem{r.retries}, r.opts.Subsystems...)
	result := r.orch.Configure(ctx, settings, session, r.remaining(due), subsystems...)

	r.mu.Lock()
	r.settings = settings
	r.result = result
	r.mu.Unlock()

	r.logger.Info(ctx, "test session started",
		zap.String("session", name),
		zap.Strings("configured", result.Completed),
		zap.Strings("pending", result.Pending))
	return session, nil
}

// remaining returns what is left of the configure deadline at due. A
// deadline that is already spent still gets a minimal wait so finished
// subsystems are collected; no deadline stays unbounded.
func (r *Recorder) remaining(due time.Time) time.Duration {
	if r.opts.ConfigureDeadline <= 0 {
		return 0
	}
	if left := time.Until(due); left > 0 {
		return left
	}
	return time.Nanosecond
}

// Settings returns the library settings applied at session start.
func (r *Recorder) Settings() *remote.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Configuration returns the orchestrator result of the session start.
func (r *Recorder) Configuration() orchestrator.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// ActiveSession returns the active session.
func (r *Recorder) ActiveSession() (*span.Session, bool) {
	return r.global.ActiveSession()
}

// FinishSession closes the active session and writes its event.
func (r *Recorder) FinishSession() error {
	session, ok := r.global.DeactivateSession()
	if !ok {
		return ErrNoActiveSession
	}
	r.emit(&session.Span)
	return nil
}

// StartModule activates a module under the active session.
func (r *Recorder) StartModule(name string) (*span.Module, error) {
	session, _ := r.global.ActiveSession()
	module := span.NewModule(session, name)
	if err := r.global.ActivateModule(module); err != nil {
		return nil, fmt.Errorf("starting module %q: %w", name, err)
	}
	return module, nil
}

// FinishModule closes the active module and folds its status into the
// session.
func (r *Recorder) FinishModule() error {
	module, ok := r.global.DeactivateModule()
	if !ok {
		return ErrNoActiveModule
	}
	if session, ok := r.global.ActiveSession(); ok {
		session.RecordChild(module.Status())
	}
	r.emit(&module.Span)
	return nil
}

// StartSuite returns the suite active under name, creating it on first
// use. Concurrent callers share one suite.
func (r *Recorder) StartSuite(name string) *span.Suite {
	return r.global.FetchOrActivateSuite(name, func() *span.Suite {
		session, _ := r.global.ActiveSession()
		module, _ := r.global.ActiveModule()
		return span.NewSuite(session, module, name)
	})
}

// FinishSuite closes the named suite and folds its status into the module,
// or the session when no module is active.
func (r *Recorder) FinishSuite(name string) error {
	suite, ok := r.global.DeactivateSuite(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveSuite, name)
	}
	if module, ok := r.global.ActiveModule(); ok {
		module.RecordChild(suite.Status())
	} else if session, ok := r.global.ActiveSession(); ok {
		session.RecordChild(suite.Status())
	}
	r.emit(&suite.Span)
	return nil
}

// StartTest activates a test on unit. Each unit runs one test at a time.
func (r *Recorder) StartTest(unit activation.Unit, suite *span.Suite, name string) (*span.Test, error) {
	session, _ := r.global.ActiveSession()
	test := span.NewTest(session, suite, name)
	if err := r.local.Activate(unit, test); err != nil {
		return nil, err
	}
	return test, nil
}

// FinishTest deactivates test on unit, records status and writes its
// event.
func (r *Recorder) FinishTest(unit activation.Unit, test *span.Test, status span.Status) error {
	if err := r.local.Deactivate(unit, test); err != nil {
		return err
	}
	r.completeTest(test, status)
	return nil
}

// ActiveTest returns the test running on unit.
func (r *Recorder) ActiveTest(unit activation.Unit) (*span.Test, bool) {
	return r.local.Active(unit)
}

func (r *Recorder) completeTest(test *span.Test, status span.Status) {
	if status != span.StatusUnset {
		test.SetStatus(status)
	}
	if suite := test.Suite(); suite != nil {
		suite.RecordChild(test.Status())
	}
	r.emit(&test.Span)
}

// Trace runs fn as test name of suite on a fresh execution unit. A failing
// test is run again while the retry policy allows; each attempt is its own
// span. The error of the last attempt is returned.
func (r *Recorder) Trace(ctx context.Context, suiteName, name string, fn func(ctx context.Context) error) error {
	ctx, unit := activation.WithUnit(ctx)
	suite := r.StartSuite(suiteName)
	ctx = logging.WithSuite(ctx, suiteName)

	for attempt := 0; ; attempt++ {
		session, _ := r.global.ActiveSession()
		test := span.NewTest(session, suite, name)
		if attempt > 0 {
			test.SetTag(span.TagIsRetry, "true")
			test.SetTag(span.TagRetryCount, strconv.Itoa(attempt))
		}

		err := r.runAttempt(logging.WithTestID(ctx, test.ID().String()), unit, test, fn)
		var active *activation.AlreadyActiveError
		if errors.As(err, &active) {
			return err
		}
		if err == nil {
			r.completeTest(test, span.StatusPass)
			return nil
		}

		test.SetTag(span.TagErrorMessage, err.Error())
		test.SetStatus(span.StatusFail)
		if !r.retries.ShouldRetry(test) {
			r.completeTest(test, span.StatusFail)
			return err
		}
		// Only the final attempt counts toward the suite.
		r.emit(&test.Span)
		r.logger.Debug(ctx, "retrying failed test",
			zap.String("test", name),
			zap.Int("attempt", attempt+1))
	}
}

// runAttempt runs fn with test active on unit. A panic fails the test and
// is re-raised once the span is written.
func (r *Recorder) runAttempt(ctx context.Context, unit activation.Unit, test *span.Test, fn func(ctx context.Context) error) error {
	defer func() {
		if p := recover(); p != nil {
			test.SetTag(span.TagErrorMessage, fmt.Sprint(p))
			r.completeTest(test, span.StatusFail)
			panic(p)
		}
	}()
	return r.local.Run(unit, test, func() error { return fn(ctx) })
}

// Retries exposes the retry policy, mainly for adapters that rerun tests
// themselves.
func (r *Recorder) Retries() *retries.Policy {
	return r.retries
}

func (r *Recorder) emit(s *span.Span) {
	ev, ok := s.Finish()
	if !ok {
		return
	}
	if r.opts.Redactor != nil {
		for k, v := range ev.Tags {
			ev.Tags[k] = r.opts.Redactor.Redact(v)
		}
	}
	r.writer.Write(ev)
}

// Shutdown finishes leftover suites, stops the writer with a final flush
// and waits for the commit upload, all within timeout.
func (r *Recorder) Shutdown(timeout time.Duration) error {
	due := time.Now().Add(timeout)
	var errs []error

	for name := range r.global.ActiveSuites() {
		if err := r.FinishSuite(name); err != nil && !errors.Is(err, ErrNoActiveSuite) {
			errs = append(errs, err)
		}
	}

	if !r.writer.Stop(false, time.Until(due)) {
		errs = append(errs, errors.New("event writer did not stop before timeout"))
	}

	r.mu.Lock()
	task := r.gitTask
	r.mu.Unlock()
	if task != nil {
		remaining := time.Until(due)
		if remaining <= 0 || !task.Join(remaining) {
			errs = append(errs, errors.New("commit upload still running at shutdown"))
		}
	}
	return errors.Join(errs...)
}
