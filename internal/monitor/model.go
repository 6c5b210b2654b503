// Package monitor renders a live view of a test run in the terminal.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/testvis/internal/gotest"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Lipgloss styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	skipStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Message types
type (
	tickMsg    time.Time
	summaryMsg gotest.Summary
	doneMsg    struct{ code int }
)

// Model is the BubbleTea model of the run view.
type Model struct {
	title    string
	interval time.Duration
	start    time.Time
	now      time.Time

	summary      gotest.Summary
	lastFinished int
	history      []float64

	done      bool
	exitCode  int
	quitting  bool
	interrupt func()

	passProgress progress.Model
}

// NewModel creates the view of a run titled title. interrupt is called when
// the user presses ctrl+c; it may be nil.
func NewModel(title string, interval time.Duration, interrupt func()) Model {
	now := time.Now()
	return Model{
		title:     title,
		interval:  interval,
		start:     now,
		now:       now,
		history:   make([]float64, 0, historySize),
		interrupt: interrupt,
		passProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick(m.interval)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			m.quitting = true
			return m, tea.Quit
		case "ctrl+c":
			m.quitting = true
			if m.interrupt != nil {
				m.interrupt()
			}
			return m, tea.Quit
		}

	case tickMsg:
		m.now = time.Time(msg)
		finished := finishedTests(m.summary)
		m.history = appendToHistory(m.history, float64(finished-m.lastFinished))
		m.lastFinished = finished
		if m.done {
			return m, nil
		}
		return m, tick(m.interval)

	case summaryMsg:
		m.summary = gotest.Summary(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.exitCode = msg.code
		m.now = time.Now()
		return m, tea.Quit
	}

	return m, nil
}

// View renders the run view. The final frame stays on screen after the
// run ends.
func (m Model) View() string {
	if m.quitting && !m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(" testvis ") + " " + valueStyle.Render(m.title) + "\n")
	b.WriteString(statusBadge(m) + "   " +
		dimStyle.Render("Elapsed:") + " " +
		valueStyle.Render(FormatDuration(m.now.Sub(m.start))) + "\n")

	s := m.summary
	b.WriteString("\n" + sectionStyle.Render("┃ Tests") + "\n")
	b.WriteString(labelStyle.Render("  Running: ") + valueStyle.Render(fmt.Sprintf("%d", running(s))) +
		labelStyle.Render("  Passed: ") + passStyle.Render(fmt.Sprintf("%d", s.Passed)) +
		labelStyle.Render("  Failed: ") + failStyle.Render(fmt.Sprintf("%d", s.Failed)) +
		labelStyle.Render("  Skipped: ") + skipStyle.Render(fmt.Sprintf("%d", s.Skipped)) + "\n")
	b.WriteString(labelStyle.Render("  Pass rate: ") +
		m.passProgress.ViewAs(passRatio(s)) +
		" " + dimStyle.Render(FormatPercentage(passRatio(s))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Throughput") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(latest(m.history), m.interval)) +
		"   " + createSparkline(m.history) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Packages") + "\n")
	b.WriteString(labelStyle.Render("  Finished: ") + valueStyle.Render(fmt.Sprintf("%d", s.Packages)) +
		labelStyle.Render("  Failed: ") + failStyle.Render(fmt.Sprintf("%d", s.FailedPackages)) + "\n")

	if !m.done {
		b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" hide  ") +
			footerKeyStyle.Render("[ctrl+c]") + footerStyle.Render(" stop run"))
	}
	return containerStyle.Render(b.String())
}

func statusBadge(m Model) string {
	switch {
	case m.done && m.exitCode == 0 && m.summary.Success():
		return passStyle.Render("✓ PASSED")
	case m.done:
		return failStyle.Render(fmt.Sprintf("✗ FAILED (exit %d)", m.exitCode))
	case !m.summary.Success():
		return failStyle.Render("✗ FAILING")
	default:
		return passStyle.Render("● RUNNING")
	}
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func finishedTests(s gotest.Summary) int {
	return s.Passed + s.Failed + s.Skipped
}

func running(s gotest.Summary) int {
	if n := s.Tests - finishedTests(s); n > 0 {
		return n
	}
	return 0
}

func passRatio(s gotest.Summary) float64 {
	finished := finishedTests(s)
	if finished == 0 {
		return 0
	}
	return float64(s.Passed) / float64(finished)
}

func latest(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1]
}
