package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xbeectl/api"
	"xbeectl/device/xbee"
	"xbeectl/logging"
	"xbeectl/packet"
	"xbeectl/store"
	"xbeectl/ui/header"
	"xbeectl/ui/msgbar"
	"xbeectl/ui/sidebar"
)

// Layout
const (
	headerHeight = 1
	msgbarHeight = 9
)

// pollWindow bounds one Poll so discovery can start on time
const pollWindow = 500 * time.Millisecond

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the radio in a terminal UI",
	Long: `Show the local module, the neighbors node discovery finds, and every
frame the module sends on its own (modem status, received data, transmit
status). Discovery repeats every monitor.discover_interval and neighbors are
recorded in the neighbor database.

Set log.file when logging so log lines do not draw over the UI.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

// watcher feeds the UI from the radio
type watcher struct {
	dev      *xbee.Device
	conn     *xbee.Conn
	db       *store.Store
	interval time.Duration
	events   chan *packet.Packet
}

// emit hands an event to the UI without blocking the connection
func (w *watcher) emit(p *packet.Packet) {
	select {
	case w.events <- p:
	default:
		logging.Warn("Monitor falling behind, dropping event", zap.Stringer("type", p.Type))
	}
}

// run polls for frames and runs discovery every interval until ctx is done
// or the transport fails. events is closed on return.
func (w *watcher) run(ctx context.Context) error {
	defer close(w.events)

	next := time.Now()
	for {
		if !time.Now().Before(next) {
			if err := w.discover(ctx); err != nil {
				return err
			}
			next = time.Now().Add(w.interval)
		}

		_, err := w.conn.Poll(ctx, min(pollWindow, time.Until(next)))
		switch {
		case err == nil, errors.Is(err, api.ErrTimeout):
		case errors.Is(err, api.ErrChecksum), errors.Is(err, api.ErrProtocol):
			// already logged by the connection
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *watcher) discover(ctx context.Context) error {
	logging.Info("Running node discovery")
	neighbors, err := w.dev.Neighbors(ctx)
	now := time.Now()
	for _, n := range neighbors {
		if w.db != nil {
			if err := w.db.UpsertNeighbor(ctx, n, now); err != nil {
				logging.Error("Failed to record neighbor", zap.Stringer("neighbor", n), zap.Error(err))
			}
		}
		w.emit(packet.FromNeighbor(n, now))
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("node discovery: %w", err)
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	db, err := store.Open(ctx, conf.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	events := make(chan *packet.Packet, 64)
	w := &watcher{
		db:       db,
		interval: conf.Monitor.DiscoverInterval.Duration,
		events:   events,
	}
	s, err := openSession(xbee.WithFrameHandler(func(f api.Frame) {
		w.emit(packet.FromFrame(f, time.Now()))
	}))
	if err != nil {
		return err
	}
	defer s.Close()
	w.dev, w.conn = s.dev, s.conn

	m := newMonitorModel(conf.Interface.Device, conf.Monitor.History, events)
	if fw, err := s.dev.FirmwareVersion(ctx); err == nil {
		sn, _ := s.dev.SerialNumber(ctx)
		m.headerModel.SetModule(fw, sn)
	} else {
		logging.Warn("Local module did not answer ATVR", zap.Error(err))
	}

	// earlier sightings fill the list until discovery runs
	if seen, err := db.ListNeighbors(ctx); err == nil {
		for i := len(seen) - 1; i >= 0; i-- {
			m.sidebarModel.SeeNeighbor(seen[i].Address64(), neighborLabel(seen[i].Neighbor))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.run(ctx) }()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := p.Run()
	cancel()
	if err := <-errCh; err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("monitor error: %w", runErr)
	}
	return nil
}

func neighborLabel(n xbee.Neighbor) string {
	if n.NodeID != "" {
		return fmt.Sprintf("%s %016X", n.NodeID, n.Address64())
	}
	return fmt.Sprintf("%016X", n.Address64())
}

// monitorModel holds the monitor's state
type monitorModel struct {
	width  int
	height int

	headerModel  header.Model
	sidebarModel sidebar.Model
	msgbarModel  msgbar.Model

	events <-chan *packet.Packet
	err    error
}

func newMonitorModel(port string, history int, events <-chan *packet.Packet) monitorModel {
	return monitorModel{
		width:        80,
		height:       24,
		headerModel:  header.New(port),
		sidebarModel: sidebar.New(),
		msgbarModel:  msgbar.New(msgbarHeight, history),
		events:       events,
	}
}

// errTransportClosed ends the monitor when the watcher stops
var errTransportClosed = errors.New("connection to the radio closed")

// listenForPackets is a tea.Cmd that waits for the next event
func (m monitorModel) listenForPackets() tea.Cmd {
	return func() tea.Msg {
		p, ok := <-m.events
		if !ok {
			return errTransportClosed
		}
		return p
	}
}

func (m monitorModel) Init() tea.Cmd {
	return m.listenForPackets()
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.err != nil {
		if _, ok := msg.(tea.KeyMsg); ok {
			return m, tea.Quit
		}
		return m, nil
	}

	var (
		headerCmd  tea.Cmd
		sidebarCmd tea.Cmd
		msgbarCmd  tea.Cmd
		cmds       []tea.Cmd
	)

	switch msg := msg.(type) {
	case *packet.Packet:
		switch msg.Type {
		case packet.TypeNeighbor:
			m.sidebarModel.SeeNeighbor(msg.Source, neighborLabel(*msg.Neighbor))
		case packet.TypeModemStatus:
			m.headerModel.SetStatus(msg.Summary)
		}
		m.msgbarModel, msgbarCmd = m.msgbarModel.Update(msg)
		cmds = append(cmds, msgbarCmd, m.listenForPackets())

	case error:
		m.err = msg
		logging.Error("Monitor stopped", zap.Error(msg))
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		mainHeight := max(m.height-headerHeight-msgbarHeight, 3)

		m.headerModel, headerCmd = m.headerModel.Update(tea.WindowSizeMsg{Width: m.width, Height: headerHeight})
		m.sidebarModel, sidebarCmd = m.sidebarModel.Update(tea.WindowSizeMsg{Width: m.width, Height: mainHeight})
		m.msgbarModel, msgbarCmd = m.msgbarModel.Update(tea.WindowSizeMsg{Width: m.width, Height: msgbarHeight})
		cmds = append(cmds, headerCmd, sidebarCmd, msgbarCmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, tea.Batch(cmds...)
}

func (m monitorModel) View() string {
	if m.err != nil {
		errorStyle := lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Border(lipgloss.DoubleBorder(), true).
			BorderForeground(lipgloss.Color("9")).
			Padding(1).
			Align(lipgloss.Center, lipgloss.Center)
		return errorStyle.Render(
			"Error:\n\n" + m.err.Error() +
				"\n\nPress any key to quit.",
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerModel.View(),
		m.sidebarModel.View(),
		m.msgbarModel.View(),
	)
}
