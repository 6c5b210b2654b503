package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/telemetry"
)

// MockSubsystem is a mock implementation of Subsystem
type MockSubsystem struct {
	mock.Mock
	name string
}

func NewMockSubsystem(name string) *MockSubsystem {
	return &MockSubsystem{name: name}
}

func (m *MockSubsystem) Name() string {
	return m.name
}

func (m *MockSubsystem) Configure(ctx context.Context, settings *remote.Settings, session *span.Session) error {
	args := m.Called(ctx, settings, session)
	return args.Error(0)
}

func TestConfigure_AllComplete(t *testing.T) {
	session := span.NewSession("go test", "shop", nil)
	settings := &remote.Settings{FlakyTestRetriesEnabled: true}

	a := NewMockSubsystem("retries")
	a.On("Configure", mock.Anything, settings, session).Return(nil)
	b := NewMockSubsystem("coverage")
	b.On("Configure", mock.Anything, settings, session).Return(nil)

	res := New().Configure(context.Background(), settings, session, time.Second, a, b)

	assert.True(t, res.AllCompleted())
	assert.Equal(t, []string{"retries", "coverage"}, res.Completed)
	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestConfigure_NilSettingsUseDefaults(t *testing.T) {
	var got *remote.Settings
	sub := SubsystemFunc("probe", func(_ context.Context, s *remote.Settings, _ *span.Session) error {
		got = s
		return nil
	})

	res := New().Configure(context.Background(), nil, nil, time.Second, sub)
	require.True(t, res.AllCompleted())
	assert.Equal(t, remote.Defaults(), got)
}

func TestConfigure_SlowSubsystemDoesNotHang(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	var fastDone atomic.Int32
	fast := func(name string) Subsystem {
		return SubsystemFunc(name, func(context.Context, *remote.Settings, *span.Session) error {
			fastDone.Add(1)
			return nil
		})
	}
	stuck := SubsystemFunc("stuck", func(context.Context, *remote.Settings, *span.Session) error {
		<-block
		return nil
	})

	start := time.Now()
	res := New().Configure(context.Background(), nil, nil, 100*time.Millisecond, fast("a"), stuck, fast("b"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, int32(2), fastDone.Load())
	assert.ElementsMatch(t, []string{"a", "b"}, res.Completed)
	assert.Equal(t, []string{"stuck"}, res.Pending)
	assert.False(t, res.AllCompleted())
}

func TestConfigure_LateSubsystemReportedOnce(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	slow := SubsystemFunc("late", func(context.Context, *remote.Settings, *span.Session) error {
		defer close(finished)
		<-release
		return nil
	})

	var mu sync.Mutex
	var reports []Progress
	orch := New(OnProgress(func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}))

	res := orch.Configure(context.Background(), nil, nil, 50*time.Millisecond, slow)
	require.Equal(t, []string{"late"}, res.Pending)

	close(release)
	<-finished
	// The late report, if any, is sent from the task goroutine right after
	// Configure returns.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, OutcomePending, reports[0].Outcome)
}

func TestConfigure_FailuresDoNotAbortSiblings(t *testing.T) {
	tl := logging.NewTestLogger()
	var ran atomic.Int32

	failing := SubsystemFunc("failing", func(context.Context, *remote.Settings, *span.Session) error {
		return errors.New("endpoint unreachable")
	})
	panicking := SubsystemFunc("panicking", func(context.Context, *remote.Settings, *span.Session) error {
		panic("nil map")
	})
	healthy := SubsystemFunc("healthy", func(context.Context, *remote.Settings, *span.Session) error {
		ran.Add(1)
		return nil
	})

	var mu sync.Mutex
	outcomes := map[string]Outcome{}
	orch := New(WithLogger(tl.Logger), OnProgress(func(p Progress) {
		mu.Lock()
		outcomes[p.Subsystem] = p.Outcome
		mu.Unlock()
	}))

	res := orch.Configure(context.Background(), nil, nil, time.Second, failing, panicking, healthy)

	assert.True(t, res.AllCompleted())
	assert.Len(t, res.Completed, 3)
	assert.Equal(t, int32(1), ran.Load())

	mu.Lock()
	assert.Equal(t, OutcomeError, outcomes["failing"])
	assert.Equal(t, OutcomePanic, outcomes["panicking"])
	assert.Equal(t, OutcomeOK, outcomes["healthy"])
	mu.Unlock()

	tl.AssertLogged(t, zapcore.ErrorLevel, "subsystem configuration failed")
	tl.AssertLogged(t, zapcore.ErrorLevel, "background task panicked")
}

func TestConfigure_NoSubsystems(t *testing.T) {
	res := New().Configure(context.Background(), nil, nil, time.Second)
	assert.True(t, res.AllCompleted())
	assert.Empty(t, res.Completed)
}

func TestConfigure_Span(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	block := make(chan struct{})
	defer close(block)

	ok := SubsystemFunc("ok", func(context.Context, *remote.Settings, *span.Session) error { return nil })
	stuck := SubsystemFunc("stuck", func(context.Context, *remote.Settings, *span.Session) error {
		<-block
		return nil
	})

	New(WithTracerProvider(tt.TracerProvider())).
		Configure(context.Background(), nil, nil, 50*time.Millisecond, ok, stuck)

	tt.AssertSpanExists(t, "orchestrator.configure")
	tt.AssertSpanAttribute(t, "orchestrator.configure", "subsystems", int64(2))
	tt.AssertSpanAttribute(t, "orchestrator.configure", "completed", int64(1))
	tt.AssertSpanAttribute(t, "orchestrator.configure", "pending", int64(1))
}
