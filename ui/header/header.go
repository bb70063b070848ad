package header

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model holds the header's state
type Model struct {
	width    int
	port     string
	firmware uint16
	serial   uint64
	status   string
}

// New creates a new header model for the radio on port
func New(port string) Model {
	return Model{
		width: 80, // Default width, will be updated
		port:  port,
	}
}

// SetModule records what the local module reported at startup
func (m *Model) SetModule(firmware uint16, serial uint64) {
	m.firmware = firmware
	m.serial = serial
}

// SetStatus shows the latest modem status
func (m *Model) SetStatus(status string) {
	m.status = status
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	}
	return m, nil
}

// Title is the text the header renders
func (m Model) Title() string {
	title := "xbeectl " + m.port
	if m.serial != 0 {
		title += fmt.Sprintf("  %016X  fw %04X", m.serial, m.firmware)
	}
	if m.status != "" {
		title += "  [" + m.status + "]"
	}
	return title
}

func (m Model) View() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Background(lipgloss.Color("63")).
		Foreground(lipgloss.Color("255")).
		Width(m.width).
		Align(lipgloss.Center)

	return style.Render(m.Title())
}
