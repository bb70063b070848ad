package msgbar

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"xbeectl/packet"
)

// Model holds the message bar's state
type Model struct {
	width    int
	height   int
	history  int
	messages []string // newest first
}

// New creates a message bar that is height lines tall (borders included)
// and remembers up to history lines
func New(height, history int) Model {
	return Model{
		width:   80,
		height:  height,
		history: max(history, height-2, 1),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		// Height is fixed

	case *packet.Packet:
		m.messages = append([]string{msg.String()}, m.messages...)
		if len(m.messages) > m.history {
			m.messages = m.messages[:m.history]
		}
	}
	return m, nil
}

// Lines returns the most recent lines that fit, oldest first
func (m Model) Lines() []string {
	n := min(max(m.height-2, 0), len(m.messages))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = m.messages[n-1-i]
	}
	return out
}

func (m Model) View() string {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Width(m.width - 2).
		Height(m.height - 2).
		Padding(0, 1)

	contentWidth := max(m.width-2-2, 0)

	var b strings.Builder
	for i, line := range m.Lines() {
		if len(line) > contentWidth {
			line = line[:contentWidth]
		}
		if i > 0 {
			b.WriteRune('\n')
		}
		b.WriteString(line)
	}

	return style.Render(b.String())
}
