// Package gotest turns the `go test -json` event stream into recorded
// suites and tests. Each package becomes a suite; each test runs on its own
// execution unit so parallel tests are tracked independently.
package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/activation"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/visibility"
)

// Actions emitted by test2json.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionOutput = "output"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionBench  = "bench"
)

// TagOutput holds the tail of a failed test's output.
const TagOutput = "test.output"

const (
	maxLineSize   = 4 * 1024 * 1024
	maxOutputTail = 8 * 1024
)

// Event is one line of `go test -json` output.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Summary counts what the adapter saw.
type Summary struct {
	Packages       int
	FailedPackages int
	Tests          int
	Passed         int
	Failed         int
	Skipped        int
}

// Success reports whether no test or package failed.
func (s Summary) Success() bool {
	return s.Failed == 0 && s.FailedPackages == 0
}

type running struct {
	unit   activation.Unit
	test   *span.Test
	output strings.Builder
}

// Adapter feeds events into a recorder. It is safe for concurrent use, but
// a single stream is normally consumed by one goroutine.
type Adapter struct {
	rec    *visibility.Recorder
	echo   io.Writer
	logger *logging.Logger

	mu       sync.Mutex
	tests    map[string]*running
	summary  Summary
	onChange func(Summary)
}

// NewAdapter creates an adapter. Test output is copied to echo when it is
// not nil.
func NewAdapter(rec *visibility.Recorder, echo io.Writer, logger *logging.Logger) *Adapter {
	return &Adapter{
		rec:    rec,
		echo:   echo,
		logger: logging.OrNop(logger).Named("gotest"),
		tests:  make(map[string]*running),
	}
}

// OnChange registers fn to receive the summary whenever a test or package
// starts or finishes. It must be set before events are handled.
func (a *Adapter) OnChange(fn func(Summary)) {
	a.onChange = fn
}

func (a *Adapter) notify() {
	if a.onChange != nil {
		a.onChange(a.Summary())
	}
}

// Consume reads the stream until EOF or ctx is done. Lines that are not
// JSON events, such as build errors, are echoed as-is. Tests still running
// at the end of the stream are recorded as failed.
func (a *Adapter) Consume(ctx context.Context, r io.Reader) (Summary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			a.abandon(ctx, "test stream cancelled")
			return a.Summary(), err
		}

		line := scanner.Bytes()
		var ev Event
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &ev) != nil {
			a.write(string(line) + "\n")
			continue
		}
		a.Handle(ctx, ev)
	}

	a.abandon(ctx, "test did not report a result")
	a.notify()
	if err := scanner.Err(); err != nil {
		return a.Summary(), fmt.Errorf("reading test stream: %w", err)
	}
	return a.Summary(), nil
}

// Handle applies a single event.
func (a *Adapter) Handle(ctx context.Context, ev Event) {
	switch ev.Action {
	case ActionStart:
		a.rec.StartSuite(ev.Package)
	case ActionRun:
		if ev.Test != "" {
			a.startTest(ctx, ev)
			a.notify()
		}
	case ActionOutput:
		a.write(ev.Output)
		if ev.Test != "" {
			a.appendOutput(ev)
		}
	case ActionPass, ActionFail, ActionSkip:
		status := statusOf(ev.Action)
		if ev.Test != "" {
			a.finishTest(ctx, ev, status)
		} else {
			a.finishPackage(ctx, ev, status)
		}
		a.notify()
	case ActionPause, ActionCont, ActionBench:
	default:
		a.logger.Debug(ctx, "ignoring unknown test2json action", zap.String("action", ev.Action))
	}
}

// Summary returns the counts so far.
func (a *Adapter) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

func (a *Adapter) startTest(ctx context.Context, ev Event) {
	key := testKey(ev)
	suite := a.rec.StartSuite(ev.Package)
	unit := activation.NewUnit()

	test, err := a.rec.StartTest(unit, suite, ev.Test)
	if err != nil {
		a.logger.Warn(ctx, "could not start test", zap.String("test", key), zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.tests[key]; ok {
		a.logger.Warn(ctx, "test started twice", zap.String("test", key))
		a.complete(ctx, prev, span.StatusFail)
	}
	a.tests[key] = &running{unit: unit, test: test}
	a.summary.Tests++
}

func (a *Adapter) appendOutput(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.tests[testKey(ev)]; ok {
		rt.output.WriteString(ev.Output)
	}
}

func (a *Adapter) finishTest(ctx context.Context, ev Event, status span.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := testKey(ev)
	rt, ok := a.tests[key]
	if !ok {
		a.logger.Debug(ctx, "result for unknown test", zap.String("test", key))
		return
	}
	delete(a.tests, key)
	a.complete(ctx, rt, status)
}

// complete must be called with a.mu held.
func (a *Adapter) complete(ctx context.Context, rt *running, status span.Status) {
	if status == span.StatusFail {
		if out := tail(rt.output.String(), maxOutputTail); out != "" {
			rt.test.SetTag(TagOutput, out)
		}
	}
	if err := a.rec.FinishTest(rt.unit, rt.test, status); err != nil {
		a.logger.Warn(ctx, "could not finish test", zap.String("test", rt.test.Name()), zap.Error(err))
		return
	}
	switch status {
	case span.StatusPass:
		a.summary.Passed++
	case span.StatusFail:
		a.summary.Failed++
	case span.StatusSkip:
		a.summary.Skipped++
	}
}

func (a *Adapter) finishPackage(ctx context.Context, ev Event, status span.Status) {
	suite := a.rec.StartSuite(ev.Package)
	suite.RecordChild(status)
	if err := a.rec.FinishSuite(ev.Package); err != nil {
		a.logger.Debug(ctx, "package already finished", zap.String("package", ev.Package), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.summary.Packages++
	// A package can fail without a failing test, e.g. a panic in TestMain.
	if status == span.StatusFail {
		a.summary.FailedPackages++
	}
	a.mu.Unlock()
}

// abandon fails every test that never reported a result.
func (a *Adapter) abandon(ctx context.Context, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, rt := range a.tests {
		rt.test.SetTag(span.TagErrorMessage, reason)
		a.complete(ctx, rt, span.StatusFail)
		delete(a.tests, key)
	}
}

func (a *Adapter) write(s string) {
	if a.echo == nil || s == "" {
		return
	}
	_, _ = io.WriteString(a.echo, s)
}

func statusOf(action string) span.Status {
	switch action {
	case ActionPass:
		return span.StatusPass
	case ActionFail:
		return span.StatusFail
	default:
		return span.StatusSkip
	}
}

func testKey(ev Event) string {
	return ev.Package + "\x00" + ev.Test
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
