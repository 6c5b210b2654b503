package monitor

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testvis/internal/gotest"
)

func TestNewModel(t *testing.T) {
	model := NewModel("go test ./...", time.Second, nil)
	assert.Equal(t, "go test ./...", model.title)
	assert.Equal(t, time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.False(t, model.done)
}

func TestModel_Init(t *testing.T) {
	model := NewModel("run", time.Second, nil)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	interrupted := false
	model := NewModel("run", time.Second, func() { interrupted = true })

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.False(t, interrupted, "q hides the view without stopping the run")
	assert.Empty(t, m.View())
}

func TestModel_Update_CtrlC(t *testing.T) {
	interrupted := false
	model := NewModel("run", time.Second, func() { interrupted = true })

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.True(t, interrupted)
}

func TestModel_Update_Summary(t *testing.T) {
	model := NewModel("run", time.Second, nil)

	updated, cmd := model.Update(summaryMsg(gotest.Summary{Tests: 4, Passed: 2, Failed: 1}))

	m := updated.(Model)
	assert.Equal(t, 4, m.summary.Tests)
	assert.Equal(t, 2, m.summary.Passed)
	assert.Nil(t, cmd)
}

func TestModel_Update_TickRecordsThroughput(t *testing.T) {
	model := NewModel("run", time.Second, nil)

	updated, _ := model.Update(summaryMsg(gotest.Summary{Tests: 3, Passed: 2, Skipped: 1}))
	updated, cmd := updated.Update(tickMsg(time.Now()))
	m := updated.(Model)
	require.Len(t, m.history, 1)
	assert.Equal(t, 3.0, m.history[0])
	assert.NotNil(t, cmd, "ticks keep coming while the run is live")

	updated, _ = m.Update(summaryMsg(gotest.Summary{Tests: 5, Passed: 4, Skipped: 1}))
	updated, _ = updated.Update(tickMsg(time.Now()))
	m = updated.(Model)
	require.Len(t, m.history, 2)
	assert.Equal(t, 2.0, m.history[1])
}

func TestModel_Update_Done(t *testing.T) {
	model := NewModel("run", time.Second, nil)

	updated, cmd := model.Update(doneMsg{code: 1})
	m := updated.(Model)
	assert.True(t, m.done)
	assert.Equal(t, 1, m.exitCode)
	assert.NotNil(t, cmd)

	_, cmd = m.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd, "no ticks after the run ends")
}

func TestModel_View(t *testing.T) {
	model := NewModel("go test ./pkg/...", time.Second, nil)
	model.summary = gotest.Summary{Packages: 2, FailedPackages: 1, Tests: 7, Passed: 4, Failed: 1, Skipped: 1}

	view := model.View()
	assert.Contains(t, view, "testvis")
	assert.Contains(t, view, "go test ./pkg/...")
	assert.Contains(t, view, "FAILING")
	assert.Contains(t, view, "Running: ")
	assert.Contains(t, view, "Passed: ")
	assert.Contains(t, view, "66.7%")
	assert.Contains(t, view, "no data")
	assert.Contains(t, view, "[ctrl+c]")
}

func TestModel_View_Finished(t *testing.T) {
	model := NewModel("run", time.Second, nil)
	model.summary = gotest.Summary{Packages: 1, Tests: 2, Passed: 2}

	updated, _ := model.Update(doneMsg{code: 0})
	view := updated.(Model).View()
	assert.Contains(t, view, "PASSED")
	assert.NotContains(t, view, "[ctrl+c]")

	updated, _ = model.Update(doneMsg{code: 2})
	assert.Contains(t, updated.(Model).View(), "exit 2")
}

func TestAppendToHistory(t *testing.T) {
	var history []float64
	for i := 0; i < historySize+5; i++ {
		history = appendToHistory(history, float64(i))
	}
	assert.Len(t, history, historySize)
	assert.Equal(t, 5.0, history[0])
	assert.Equal(t, float64(historySize+4), history[len(history)-1])
}

func TestPassRatio(t *testing.T) {
	assert.Equal(t, 0.0, passRatio(gotest.Summary{}))
	assert.Equal(t, 0.5, passRatio(gotest.Summary{Passed: 1, Failed: 1}))
	assert.Equal(t, 0, running(gotest.Summary{Tests: 1, Passed: 1}))
	assert.Equal(t, 2, running(gotest.Summary{Tests: 3, Passed: 1}))
}

func TestView_StartFinish(t *testing.T) {
	var out bytes.Buffer
	v := startWith(NewModel("run", 10*time.Millisecond, nil), &out,
		tea.WithInput(nil), tea.WithoutSignalHandler())

	v.Update(gotest.Summary{Tests: 1, Passed: 1, Packages: 1})
	require.NoError(t, v.Finish(0))
}
