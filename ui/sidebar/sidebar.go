package sidebar

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type entry struct {
	key   uint64
	label string
}

// Model holds the sidebar's state
type Model struct {
	width     int
	height    int
	neighbors []entry // most recently seen first
}

// New creates a new sidebar model
func New() Model {
	return Model{
		width:  24,
		height: 24,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

// SeeNeighbor moves the neighbor with address key to the top of the list,
// adding it if it is new
func (m *Model) SeeNeighbor(key uint64, label string) {
	for i, e := range m.neighbors {
		if e.key == key {
			m.neighbors = append(m.neighbors[:i], m.neighbors[i+1:]...)
			break
		}
	}
	m.neighbors = append([]entry{{key: key, label: label}}, m.neighbors...)
	m.trim()
}

// Labels returns the listed neighbors, most recent first
func (m Model) Labels() []string {
	out := make([]string, len(m.neighbors))
	for i, e := range m.neighbors {
		out[i] = e.label
	}
	return out
}

// trim drops neighbors that no longer fit: -2 for the borders and -1 for
// the title line
func (m *Model) trim() {
	maxNeighbors := max(m.height-3, 1)
	if len(m.neighbors) > maxNeighbors {
		m.neighbors = m.neighbors[:maxNeighbors]
	}
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.trim()
	}
	return m, nil
}

func (m Model) View() string {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Width(m.width - 2).
		Height(m.height - 2).
		Padding(0, 1)

	title := lipgloss.NewStyle().
		Bold(true).
		Underline(true).
		Width(m.width - 2 - 2).
		Render(fmt.Sprintf("Neighbors (%d)", len(m.neighbors)))

	// Build the content by hand so the box never grows past its height
	var b strings.Builder
	b.WriteString(title)

	contentHeight := max((m.height-2)-1, 0)
	for i, e := range m.neighbors {
		if i >= contentHeight {
			break
		}
		b.WriteRune('\n')
		b.WriteString(fmt.Sprintf("%.*s", max(m.width-2-2, 0), e.label))
	}

	return style.Render(b.String())
}
