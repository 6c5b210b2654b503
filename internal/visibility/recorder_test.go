package visibility

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testvis/internal/activation"
	"github.com/fyrsmithlabs/testvis/internal/gitmeta"
	"github.com/fyrsmithlabs/testvis/internal/orchestrator"
	"github.com/fyrsmithlabs/testvis/internal/procid"
	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/writer"
)

// sink collects every delivered event.
type sink struct {
	mu     sync.Mutex
	events []span.Event
}

func (s *sink) Deliver(_ context.Context, batch []span.Event) []writer.Outcome {
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

func (s *sink) ofKind(kind span.Kind) []span.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []span.Event
	for _, ev := range s.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRecorder(t *testing.T, opts Options) (*Recorder, *sink) {
	t.Helper()
	out := &sink{}
	opts.Deliverer = out
	if opts.Service == "" {
		opts.Service = "shop"
	}
	opts.Writer.Name = t.Name()
	opts.Writer.FlushInterval = 10 * time.Millisecond
	if opts.ConfigureDeadline == 0 {
		opts.ConfigureDeadline = time.Second
	}
	return New(opts), out
}

func retrySettings(count int) remote.StaticFetcher {
	return remote.StaticFetcher{Settings: &remote.Settings{
		FlakyTestRetriesEnabled: true,
		RetryCount:              count,
		RetryTotalLimit:         100,
	}}
}

func TestRecorder_Lifecycle(t *testing.T) {
	r, out := newTestRecorder(t, Options{Env: "ci"})
	ctx := context.Background()

	session, err := r.StartSession(ctx, "go test ./...", map[string]string{"runner": "gha"})
	require.NoError(t, err)
	_, err = r.StartModule("shop")
	require.NoError(t, err)

	suite := r.StartSuite("shop/cart")
	unit := activation.NewUnit()
	test, err := r.StartTest(unit, suite, "TestAdd")
	require.NoError(t, err)

	active, ok := r.ActiveTest(unit)
	require.True(t, ok)
	assert.Same(t, test, active)

	require.NoError(t, r.FinishTest(unit, test, span.StatusPass))
	_, ok = r.ActiveTest(unit)
	assert.False(t, ok)

	require.NoError(t, r.FinishSuite("shop/cart"))
	require.NoError(t, r.FinishModule())
	require.NoError(t, r.FinishSession())
	require.NoError(t, r.Shutdown(time.Second))

	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 1)
	assert.Equal(t, span.StatusPass, tests[0].Status)
	assert.Equal(t, session.ID().String(), tests[0].SessionID)
	assert.Equal(t, suite.ID().String(), tests[0].SuiteID)
	assert.Equal(t, "gha", tests[0].Tags["runner"])
	assert.Equal(t, "ci", tests[0].Tags["env"])
	assert.Equal(t, "shop/cart", tests[0].Tags[span.TagSuite])

	sessions := out.ofKind(span.KindSession)
	require.Len(t, sessions, 1)
	assert.Equal(t, span.StatusPass, sessions[0].Status)
	require.Len(t, out.ofKind(span.KindModule), 1)
	require.Len(t, out.ofKind(span.KindSuite), 1)

	_, ok = r.ActiveSession()
	assert.False(t, ok)
}

func TestRecorder_ConcurrentSuiteStart(t *testing.T) {
	r, out := newTestRecorder(t, Options{})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		suites [2]*span.Suite
	)
	for i := range suites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			suites[i] = r.StartSuite("S")
			unit := activation.NewUnit()
			test, err := r.StartTest(unit, suites[i], "TestCase")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, r.FinishTest(unit, test, span.StatusPass))
		}()
	}
	wg.Wait()

	require.NotNil(t, suites[0])
	assert.Same(t, suites[0], suites[1])

	require.NoError(t, r.FinishSuite("S"))
	require.NoError(t, r.FinishSession())
	require.NoError(t, r.Shutdown(time.Second))

	assert.Len(t, out.ofKind(span.KindSuite), 1)
	assert.Len(t, out.ofKind(span.KindTest), 2)
	_, ok := r.ActiveSession()
	assert.False(t, ok)
}

func TestRecorder_FailureFoldsUpward(t *testing.T) {
	r, out := newTestRecorder(t, Options{})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	suite := r.StartSuite("pkg")
	for _, status := range []span.Status{span.StatusPass, span.StatusFail, span.StatusSkip} {
		unit := activation.NewUnit()
		test, err := r.StartTest(unit, suite, "Test"+string(status))
		require.NoError(t, err)
		require.NoError(t, r.FinishTest(unit, test, status))
	}
	require.NoError(t, r.FinishSuite("pkg"))
	require.NoError(t, r.FinishSession())
	require.NoError(t, r.Shutdown(time.Second))

	assert.Equal(t, span.StatusFail, out.ofKind(span.KindSuite)[0].Status)
	assert.Equal(t, span.StatusFail, out.ofKind(span.KindSession)[0].Status)
}

func TestRecorder_MisuseErrors(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })

	assert.ErrorIs(t, r.FinishSession(), ErrNoActiveSession)
	assert.ErrorIs(t, r.FinishModule(), ErrNoActiveModule)
	assert.ErrorIs(t, r.FinishSuite("missing"), ErrNoActiveSuite)

	_, err := r.StartSession(context.Background(), "one", nil)
	require.NoError(t, err)
	_, err = r.StartSession(context.Background(), "two", nil)
	assert.ErrorIs(t, err, activation.ErrAlreadyActive)

	unit := activation.NewUnit()
	first, err := r.StartTest(unit, nil, "TestA")
	require.NoError(t, err)
	_, err = r.StartTest(unit, nil, "TestB")
	assert.ErrorIs(t, err, activation.ErrAlreadyActive)

	other := span.NewTest(nil, nil, "TestC")
	assert.ErrorIs(t, r.FinishTest(unit, other, span.StatusPass), activation.ErrMismatchedDeactivation)
	require.NoError(t, r.FinishTest(unit, first, span.StatusPass))
}

func TestRecorder_TraceRetriesUntilBudgetSpent(t *testing.T) {
	r, out := newTestRecorder(t, Options{Fetcher: retrySettings(2)})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)
	assert.True(t, r.Retries().Enabled())

	boom := errors.New("boom")
	calls := 0
	err = r.Trace(context.Background(), "pkg", "TestBroken", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	require.NoError(t, r.Shutdown(time.Second))
	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 3)
	_, retried := tests[0].Tags[span.TagIsRetry]
	assert.False(t, retried)
	for i, ev := range tests[1:] {
		assert.Equal(t, "true", ev.Tags[span.TagIsRetry])
		assert.Equal(t, strconv.Itoa(i+1), ev.Tags[span.TagRetryCount])
		assert.Equal(t, span.StatusFail, ev.Status)
		assert.Equal(t, "boom", ev.Tags[span.TagErrorMessage])
	}

	suites := out.ofKind(span.KindSuite)
	require.Len(t, suites, 1)
	assert.Equal(t, span.StatusFail, suites[0].Status)
}

func TestRecorder_TraceFlakyTestPassesOnRetry(t *testing.T) {
	r, out := newTestRecorder(t, Options{Fetcher: retrySettings(5)})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	calls := 0
	err = r.Trace(context.Background(), "pkg", "TestFlaky", func(ctx context.Context) error {
		calls++
		unit, ok := activation.UnitFromContext(ctx)
		require.True(t, ok)
		test, ok := r.ActiveTest(unit)
		require.True(t, ok)
		assert.Equal(t, "TestFlaky", test.Name())
		if calls == 1 {
			return errors.New("flake")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.NoError(t, r.Shutdown(time.Second))
	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 2)
	assert.Equal(t, span.StatusFail, tests[0].Status)
	assert.Equal(t, span.StatusPass, tests[1].Status)

	// The failed first attempt does not fail the suite.
	suites := out.ofKind(span.KindSuite)
	require.Len(t, suites, 1)
	assert.Equal(t, span.StatusPass, suites[0].Status)
}

func TestRecorder_TraceWithoutRetries(t *testing.T) {
	r, out := newTestRecorder(t, Options{})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	calls := 0
	err = r.Trace(context.Background(), "pkg", "TestOnce", func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, r.Shutdown(time.Second))
	assert.Len(t, out.ofKind(span.KindTest), 1)
	// Shutdown finishes suites left open by Trace.
	assert.Len(t, out.ofKind(span.KindSuite), 1)
}

func TestRecorder_TracePanicFailsTest(t *testing.T) {
	r, out := newTestRecorder(t, Options{})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = r.Trace(context.Background(), "pkg", "TestPanics", func(context.Context) error {
			panic("kaboom")
		})
	})

	require.NoError(t, r.Shutdown(time.Second))
	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 1)
	assert.Equal(t, span.StatusFail, tests[0].Status)
	assert.Equal(t, "kaboom", tests[0].Tags[span.TagErrorMessage])
}

func TestRecorder_SubsystemsReceiveSettings(t *testing.T) {
	var got *remote.Settings
	coverage := orchestrator.SubsystemFunc("coverage", func(_ context.Context, s *remote.Settings, session *span.Session) error {
		got = s
		session.SetTag("test.code_coverage.enabled", "true")
		return nil
	})

	r, out := newTestRecorder(t, Options{
		Fetcher:    remote.StaticFetcher{Settings: &remote.Settings{CodeCoverage: true, RetryCount: 1}},
		Subsystems: []orchestrator.Subsystem{coverage},
	})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	result := r.Configuration()
	assert.True(t, result.AllCompleted())
	assert.ElementsMatch(t, []string{"flaky_test_retries", "coverage"}, result.Completed)
	require.NotNil(t, got)
	assert.True(t, got.CodeCoverage)
	assert.True(t, r.Settings().CodeCoverage)

	require.NoError(t, r.FinishSession())
	require.NoError(t, r.Shutdown(time.Second))
	sessions := out.ofKind(span.KindSession)
	require.Len(t, sessions, 1)
	assert.Equal(t, "true", sessions[0].Tags["test.code_coverage.enabled"])
	assert.Equal(t, "false", sessions[0].Tags["test.flaky_retries.enabled"])
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, remote.Request) (*remote.Settings, error) {
	return nil, errors.New("503")
}

// blockingFetcher never answers before its context ends.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ remote.Request) (*remote.Settings, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecorder_StartSessionSharesOneDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := orchestrator.SubsystemFunc("stuck", func(context.Context, *remote.Settings, *span.Session) error {
		<-release
		return nil
	})

	const deadline = 300 * time.Millisecond
	r, _ := newTestRecorder(t, Options{
		Fetcher:           blockingFetcher{},
		ConfigureDeadline: deadline,
		Subsystems:        []orchestrator.Subsystem{stuck},
	})
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })

	start := time.Now()
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+deadline/2)
	assert.Equal(t, remote.Defaults(), r.Settings())
	assert.Contains(t, r.Configuration().Pending, "stuck")
}

func TestRecorder_ForkedProcessStartsFresh(t *testing.T) {
	var pid atomic.Int64
	pid.Store(100)
	r, _ := newTestRecorder(t, Options{
		Process: procid.ProviderFunc(func() int { return int(pid.Load()) }),
	})
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })
	ctx := context.Background()

	parent, err := r.StartSession(ctx, "parent", nil)
	require.NoError(t, err)
	parentSuite := r.StartSuite("S")

	pid.Store(200)

	_, ok := r.ActiveSession()
	assert.False(t, ok, "child must not see the parent's session")

	child, err := r.StartSession(ctx, "child", nil)
	require.NoError(t, err)
	assert.NotSame(t, parent, child)

	active, ok := r.ActiveSession()
	require.True(t, ok)
	assert.Same(t, child, active)
	assert.NotSame(t, parentSuite, r.StartSuite("S"))
}

func TestRecorder_SettingsFallBackToDefaults(t *testing.T) {
	r, _ := newTestRecorder(t, Options{Fetcher: failingFetcher{}})
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })

	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)
	assert.Equal(t, remote.Defaults(), r.Settings())
	assert.False(t, r.Retries().Enabled())
}

func TestRecorder_GitMetadataAndUpload(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o600))
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	sha, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		uploaded []string
	)
	up := gitmeta.UploadFunc(func(_ context.Context, _ string, shas []string) error {
		mu.Lock()
		uploaded = shas
		mu.Unlock()
		return nil
	})

	r, out := newTestRecorder(t, Options{GitPath: dir, Uploader: up, CommitLimit: 10})
	_, err = r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	unit := activation.NewUnit()
	test, err := r.StartTest(unit, nil, "TestMain")
	require.NoError(t, err)
	require.NoError(t, r.FinishTest(unit, test, span.StatusPass))
	require.NoError(t, r.Shutdown(time.Second))

	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 1)
	assert.Equal(t, sha.String(), tests[0].Tags[gitmeta.TagCommitSHA])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{sha.String()}, uploaded)
}

type replacer struct{ old, new string }

func (r replacer) Redact(content string) string {
	return strings.ReplaceAll(content, r.old, r.new)
}

func TestRecorder_RedactsTags(t *testing.T) {
	r, out := newTestRecorder(t, Options{Redactor: replacer{"hunter2", "[REDACTED]"}})
	_, err := r.StartSession(context.Background(), "session", nil)
	require.NoError(t, err)

	err = r.Trace(context.Background(), "pkg", "TestLogin", func(context.Context) error {
		return errors.New("login failed for password hunter2")
	})
	require.Error(t, err)
	require.NoError(t, r.Shutdown(time.Second))

	tests := out.ofKind(span.KindTest)
	require.Len(t, tests, 1)
	assert.Equal(t, "login failed for password [REDACTED]", tests[0].Tags[span.TagErrorMessage])
}
