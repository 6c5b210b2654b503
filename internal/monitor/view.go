package monitor

import (
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/testvis/internal/gotest"
)

// DefaultInterval is the refresh rate of the run view.
const DefaultInterval = 500 * time.Millisecond

// View runs the model in its own goroutine and accepts updates from the
// test stream.
type View struct {
	program *tea.Program
	done    chan error
}

// Start shows the view on out until Finish is called or the user hides it.
func Start(title string, out io.Writer, interrupt func()) *View {
	return startWith(NewModel(title, DefaultInterval, interrupt), out)
}

func startWith(model Model, out io.Writer, opts ...tea.ProgramOption) *View {
	program := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithOutput(out)}, opts...)...)
	v := &View{program: program, done: make(chan error, 1)}
	go func() {
		_, err := program.Run()
		v.done <- err
	}()
	return v
}

// Update pushes a new summary to the view. It is safe to call from the
// adapter's goroutine.
func (v *View) Update(s gotest.Summary) {
	v.program.Send(summaryMsg(s))
}

// Finish renders the final frame with the exit code and waits for the
// terminal to be restored.
func (v *View) Finish(code int) error {
	v.program.Send(doneMsg{code: code})
	return <-v.done
}
