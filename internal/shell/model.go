package shell

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// chrome is the number of lines used by the title, input and help rows.
const chrome = 4

type resultMsg struct {
	line   string
	result Result
}

type entry struct {
	text  string
	style lipgloss.Style
}

// Model is the bubbletea model of the shell.
type Model struct {
	session Session
	input   textinput.Model
	view    viewport.Model

	lines   []entry
	history []string
	histIdx int
	busy    bool
}

// New returns a shell model for s.
func New(s Session) *Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "*IDN?"
	ti.Width = 60
	ti.Focus()
	return &Model{
		session: s,
		input:   ti,
		view:    viewport.New(80, 20),
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) exec(line string) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		return resultMsg{line: line, result: Exec(s, line)}
	}
}

func (m *Model) appendLines(text string, style lipgloss.Style) {
	for _, l := range strings.Split(text, "\n") {
		m.lines = append(m.lines, entry{text: l, style: style})
	}
	rendered := make([]string, len(m.lines))
	for i, e := range m.lines {
		rendered[i] = e.style.Render(e.text)
	}
	m.view.SetContent(strings.Join(rendered, "\n"))
	m.view.GotoBottom()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-chrome, 1)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 10)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.history = append(m.history, line)
			m.histIdx = len(m.history)
			m.appendLines("> "+line, commandStyle)
			m.busy = true
			return m, m.exec(line)

		case "up":
			if m.histIdx > 0 {
				m.histIdx--
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			} else {
				m.histIdx = len(m.history)
				m.input.Reset()
			}
			return m, nil

		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case resultMsg:
		m.busy = false
		res := msg.result
		switch {
		case res.Quit:
			return m, tea.Quit
		case res.Err != nil:
			m.appendLines(formatError(res.Err), errorStyle)
		case res.Output != "":
			m.appendLines(res.Output, resultStyle)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("VISA"))
	b.WriteString(" ")
	b.WriteString(m.session.Name())
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.busy {
		b.WriteString(helpStyle.Render("waiting for instrument..."))
	} else {
		b.WriteString(helpStyle.Render("enter send • ↑/↓ history • pgup/pgdn scroll • :help • :q quit"))
	}
	return b.String()
}

// Lines returns the scroll-back text without styling.
func (m *Model) Lines() []string {
	out := make([]string, len(m.lines))
	for i, e := range m.lines {
		out[i] = e.text
	}
	return out
}
