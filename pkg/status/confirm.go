package status

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// confirmModel is a yes/no prompt. It defaults to no.
type confirmModel struct {
	title    string
	details  []string
	yes      bool
	answered bool
}

func newConfirmModel(title string, details []string) *confirmModel {
	return &confirmModel{title: title, details: details}
}

func (m *confirmModel) Init() tea.Cmd {
	return nil
}

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.yes = false
		m.answered = true
		return m, tea.Quit
	case tea.KeyEnter:
		m.answered = true
		return m, tea.Quit
	case tea.KeyLeft, tea.KeyRight, tea.KeyTab:
		m.yes = !m.yes
		return m, nil
	case tea.KeyRunes:
		switch strings.ToLower(string(keyMsg.Runes)) {
		case "y":
			m.yes = true
			m.answered = true
			return m, tea.Quit
		case "n":
			m.yes = false
			m.answered = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	for _, d := range m.details {
		b.WriteString(progressStyle.Render("  " + d))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	yes, no := "  Yes  ", "  No  "
	if m.yes {
		yes = successStyle.Render("[ Yes ]")
	} else {
		no = warnStyle.Render("[ No ]")
	}
	b.WriteString(yes + "   " + no + "\n")
	b.WriteString(helpStyle.Render("y/n, ←/→ to choose, enter to confirm"))
	return boxStyle.Render(b.String()) + "\n"
}

// Confirm asks a yes/no question in the terminal.
func Confirm(title string, details []string, opts ...tea.ProgramOption) (bool, error) {
	final, err := tea.NewProgram(newConfirmModel(title, details), opts...).Run()
	if err != nil {
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	m, ok := final.(*confirmModel)
	if !ok {
		return false, nil
	}
	return m.answered && m.yes, nil
}

// ConfirmLine asks a yes/no question on plain streams. Only y or yes agrees.
func ConfirmLine(in io.Reader, out io.Writer, title string, details []string) (bool, error) {
	fmt.Fprintln(out, title)
	for _, d := range details {
		fmt.Fprintf(out, "  %s\n", d)
	}
	fmt.Fprint(out, "Proceed? [y/N] ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
