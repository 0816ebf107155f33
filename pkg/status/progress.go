package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// historySize is how many earlier progress lines stay on screen.
const historySize = 5

type progressMsg string

type resultMsg string

type doneMsg struct{ err error }

// progressModel shows a spinner with the latest progress line while a run
// is active, then the result.
type progressModel struct {
	spinner spinner.Model
	title   string
	current string
	history []string
	result  string

	cancel     context.CancelFunc
	cancelling bool
	done       bool
	err        error
	width      int
}

func newProgressModel(title string, cancel context.CancelFunc) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = titleStyle
	return &progressModel{
		spinner: s,
		title:   title,
		current: "Starting...",
		cancel:  cancel,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			// The run winds down on its own; quitting here would hide the result
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case progressMsg:
		if m.current != "" && m.current != "Starting..." {
			m.history = append(m.history, m.current)
			if len(m.history) > historySize {
				m.history = m.history[len(m.history)-historySize:]
			}
		}
		m.current = string(msg)
		return m, nil

	case resultMsg:
		m.result = string(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m *progressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	for _, line := range m.history {
		b.WriteString(progressStyle.Render("  " + line))
		b.WriteString("\n")
	}

	if !m.done {
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.current)
		if m.cancelling {
			b.WriteString(warnStyle.Render("  Cancelling after the current request..."))
			b.WriteString("\n")
		} else {
			b.WriteString(helpStyle.Render("  ctrl+c to cancel"))
			b.WriteString("\n")
		}
		return b.String()
	}

	if m.result != "" {
		b.WriteString(resultStyle.Render(m.result))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(warnStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

// programReporter forwards updates into a running Bubble Tea program.
type programReporter struct {
	p *tea.Program
}

func (r *programReporter) Progress(msg string) { r.p.Send(progressMsg(msg)) }
func (r *programReporter) Result(msg string)   { r.p.Send(resultMsg(msg)) }

// RunWithProgress runs work on its own goroutine while the progress view
// owns the terminal. Pressing ctrl+c cancels the context work receives. It
// returns work's error once both have finished.
func RunWithProgress(ctx context.Context, title string, work func(ctx context.Context, r Reporter) error, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newProgressModel(title, cancel)
	p := tea.NewProgram(m, opts...)

	workErr := make(chan error, 1)
	go func() {
		err := work(ctx, &programReporter{p: p})
		workErr <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-workErr
		return fmt.Errorf("progress view failed: %w", err)
	}
	return <-workErr
}
