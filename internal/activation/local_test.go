package activation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testvis/internal/procid"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

func TestLocal_UnitsAreIsolated(t *testing.T) {
	l := NewLocal(nil)
	u1, u2 := NewUnit(), NewUnit()
	t1 := span.NewTest(nil, nil, "TestOne")
	t2 := span.NewTest(nil, nil, "TestTwo")

	require.NoError(t, l.Activate(u1, t1))
	require.NoError(t, l.Activate(u2, t2))

	got, ok := l.Active(u1)
	require.True(t, ok)
	assert.Same(t, t1, got)
	got, ok = l.Active(u2)
	require.True(t, ok)
	assert.Same(t, t2, got)

	require.NoError(t, l.Deactivate(u1, t1))
	_, ok = l.Active(u1)
	assert.False(t, ok)
	_, ok = l.Active(u2)
	assert.True(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestLocal_FreshUnitHasNoTest(t *testing.T) {
	l := NewLocal(nil)
	parent := NewUnit()
	require.NoError(t, l.Activate(parent, span.NewTest(nil, nil, "TestParent")))

	_, child := WithUnit(context.Background())
	_, ok := l.Active(child)
	assert.False(t, ok)
}

func TestLocal_SecondActivationFails(t *testing.T) {
	l := NewLocal(nil)
	u := NewUnit()
	t1 := span.NewTest(nil, nil, "TestOne")
	require.NoError(t, l.Activate(u, t1))

	err := l.Activate(u, span.NewTest(nil, nil, "TestTwo"))
	assert.ErrorIs(t, err, ErrAlreadyActive)

	err = l.Deactivate(u, span.NewTest(nil, nil, "TestThree"))
	assert.ErrorIs(t, err, ErrMismatchedDeactivation)
	got, _ := l.Active(u)
	assert.Same(t, t1, got)
}

func TestLocal_Run(t *testing.T) {
	l := NewLocal(nil)
	u := NewUnit()
	test := span.NewTest(nil, nil, "TestRun")
	boom := errors.New("boom")

	err := l.Run(u, test, func() error {
		got, ok := l.Active(u)
		assert.True(t, ok)
		assert.Same(t, test, got)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := l.Active(u)
	assert.False(t, ok)
}

func TestLocal_RunPanicDeactivates(t *testing.T) {
	l := NewLocal(nil)
	u := NewUnit()
	test := span.NewTest(nil, nil, "TestPanic")

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = l.Run(u, test, func() error { panic("kaboom") })
	})
	_, ok := l.Active(u)
	assert.False(t, ok)
}

func TestLocal_ResetAfterFork(t *testing.T) {
	var pid atomic.Int64
	pid.Store(10)
	l := NewLocal(procid.NewTracker(procid.ProviderFunc(func() int { return int(pid.Load()) })))

	u1, u2 := NewUnit(), NewUnit()
	require.NoError(t, l.Activate(u1, span.NewTest(nil, nil, "TestInherited")))

	pid.Store(11)
	require.NoError(t, l.Activate(u2, span.NewTest(nil, nil, "TestChild")))

	_, ok := l.Active(u1)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestLocal_Concurrent(t *testing.T) {
	l := NewLocal(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, u := WithUnit(context.Background())
			got, ok := UnitFromContext(ctx)
			assert.True(t, ok)
			assert.Equal(t, u, got)

			test := span.NewTest(nil, nil, u.String())
			assert.NoError(t, l.Run(u, test, func() error {
				active, ok := l.Active(u)
				assert.True(t, ok)
				assert.Same(t, test, active)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
}
