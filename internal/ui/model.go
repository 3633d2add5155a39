// ABOUTME: Bubbletea model for the monitor TUI
// ABOUTME: Renders level meters, connection and session state, and maps keys to monitor commands
package ui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/capture-monitor/internal/app"
	"github.com/harperreed/capture-monitor/internal/client"
	"github.com/harperreed/capture-monitor/internal/meter"
	"github.com/harperreed/capture-monitor/internal/player"
	"github.com/harperreed/capture-monitor/internal/version"
)

const (
	meterWidth = 40
	maxNotes   = 3
)

var (
	frameStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	clipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// Controller is the set of monitor commands bound to keys
type Controller interface {
	ToggleMonitor()
	RequestPrimary()
	AdjustVolume(steps int)
	ToggleMute()
	Reconnect()
	RefreshDevices()
	RefreshStatus()
	ConnectDevice(deviceID int)
	ToggleRecording()
	AdjustBoost(steps int)
	AdjustChannel(side app.Side, steps int)
	RefreshFiles()
	PushLatest()
}

// StatusMsg carries a monitor status snapshot
type StatusMsg struct {
	app.Status
}

// NotifyMsg carries a user notification
type NotifyMsg struct {
	app.Notification
}

// Model represents the TUI state
type Model struct {
	status     app.Status
	hasStatus  bool
	notes      []app.Notification
	deviceIdx  int
	showDebug  bool
	controller Controller

	width  int
	height int
}

// NewModel creates a new TUI model; controller may be nil
func NewModel(controller Controller) Model {
	return Model{
		controller: controller,
		status: app.Status{
			Connection: client.StateClosedRetrying,
			Meters:     meter.Silent,
			Volume:     100,
		},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	if m.controller != nil {
		m.controller.RefreshStatus()
		m.controller.RefreshDevices()
	}
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg.Status)
	case NotifyMsg:
		m.addNote(msg.Notification)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(version.String()))
	b.WriteString("\n")
	b.WriteString(m.renderConnection())
	b.WriteString(m.renderSession())
	b.WriteString("\n")
	b.WriteString(m.renderMeters())
	b.WriteString("\n")
	b.WriteString(m.renderMonitor())
	b.WriteString(m.renderDevices())

	if m.showDebug {
		b.WriteString(m.renderDebug())
	}

	b.WriteString(m.renderNotes())
	b.WriteString(m.renderHelp())

	return frameStyle.Render(b.String()) + "\n"
}

// renderConnection renders server and transport state
func (m Model) renderConnection() string {
	server := m.status.ServerAddr
	if server == "" {
		server = "(discovering)"
	}

	var state string
	switch m.status.Connection {
	case client.StateOpen:
		state = okStyle.Render("connected")
	case client.StateConnecting:
		state = warnStyle.Render("connecting")
	default:
		state = clipStyle.Render("disconnected, retrying")
	}

	return fmt.Sprintf("Server:  %s  %s\n", server, state)
}

// renderSession renders the mirrored engine and recording state
func (m Model) renderSession() string {
	if !m.status.HasSession {
		return "Engine:  " + dimStyle.Render("no state yet") + "\n"
	}

	s := m.status.Session
	engine := clipStyle.Render("stopped")
	if s.IsRunning {
		engine = okStyle.Render("running")
	}

	rec := dimStyle.Render("idle")
	if s.IsRecording {
		rec = clipStyle.Render("● REC")
	}

	primary := "no"
	if s.IsPrimary {
		primary = "yes"
	}

	out := fmt.Sprintf("Engine:  %s  device %d  ch %d/%d  boost %.2fx\n", engine, s.DeviceID, s.ChL, s.ChR, s.Boost)
	out += fmt.Sprintf("Record:  %s  primary: %s\n", rec, primary)
	if s.StorageLocation != "" {
		out += fmt.Sprintf("Storage: %s\n", truncate(s.StorageLocation, 48))
	}
	if s.CloudDriveLocation != "" {
		out += fmt.Sprintf("Cloud:   %s\n", truncate(s.CloudDriveLocation, 48))
	}
	return out
}

// renderMeters renders both channel meters
func (m Model) renderMeters() string {
	return renderMeter("L", m.status.Meters.L) + renderMeter("R", m.status.Meters.R)
}

func renderMeter(label string, level meter.Level) string {
	bar := renderBar(level.Percent, meterWidth)
	if level.Clipping() {
		bar = clipStyle.Render(bar)
	} else {
		bar = okStyle.Render(bar)
	}
	return fmt.Sprintf("%s [%s] %s\n", label, bar, formatDB(level.DB))
}

func formatDB(db float64) string {
	if db <= meter.FloorDB {
		return "  -inf dB"
	}
	return fmt.Sprintf("%6.1f dB", db)
}

// renderMonitor renders monitoring state and volume
func (m Model) renderMonitor() string {
	var state string
	switch m.status.Monitor {
	case player.StatePlaying:
		state = okStyle.Render("on, playing")
	case player.StateIdle:
		state = warnStyle.Render("on, waiting for audio")
	default:
		state = dimStyle.Render("off")
	}

	muteIcon := ""
	if m.status.Muted {
		muteIcon = " (muted)"
	}

	return fmt.Sprintf("Monitor: %s\nVolume:  [%s] %d%%%s\n",
		state, renderBar(float64(m.status.Volume), 10), m.status.Volume, muteIcon)
}

// renderDevices renders the selected device and recordings count
func (m Model) renderDevices() string {
	out := "Device:  "
	if len(m.status.Devices) == 0 {
		out += dimStyle.Render("none listed")
	} else {
		d := m.status.Devices[m.selected()]
		out += fmt.Sprintf("< %d: %s (%d in) >  %d/%d", d.ID, truncate(d.Name, 28), d.Inputs,
			m.selected()+1, len(m.status.Devices))
	}
	out += "\n"

	if len(m.status.Files) > 0 {
		out += fmt.Sprintf("Files:   %d recordings\n", len(m.status.Files))
	}
	return out
}

// renderDebug renders scheduler statistics
func (m Model) renderDebug() string {
	st := m.status.Stats
	return dimStyle.Render(fmt.Sprintf("Blocks: rx %d  sched %d  drop %d  underrun %d  runaway %d  fail %d  meter frames %d",
		st.Received, st.Scheduled, st.Dropped, st.Underruns, st.Runaways, st.Failures, m.status.MeterTicks)) + "\n"
}

// renderNotes renders the latest notifications
func (m Model) renderNotes() string {
	if len(m.notes) == 0 {
		return ""
	}

	out := "\n"
	for _, n := range m.notes {
		line := fmt.Sprintf("%s %s", n.Time.Format(time.TimeOnly), n.Text)
		switch {
		case n.Level >= slog.LevelError:
			line = clipStyle.Render(line)
		case n.Level >= slog.LevelWarn:
			line = warnStyle.Render(line)
		}
		out += line + "\n"
	}
	return out
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return dimStyle.Render("\nm:Monitor  ↑/↓:Volume  x:Mute  p:Primary  r:Record  +/-:Boost  ,/.:Left ch  </>:Right ch\n" +
		"[/]:Device  c:Connect  d:Devices  f:Files  P:Push  R:Reconnect  v:Stats  q:Quit")
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "v":
		m.showDebug = !m.showDebug
		return m, nil
	case "[":
		m.deviceIdx = m.selected() - 1
		if m.deviceIdx < 0 {
			m.deviceIdx = max(0, len(m.status.Devices)-1)
		}
		return m, nil
	case "]":
		m.deviceIdx = m.selected() + 1
		if m.deviceIdx >= len(m.status.Devices) {
			m.deviceIdx = 0
		}
		return m, nil
	}

	if m.controller == nil {
		return m, nil
	}

	switch key {
	case "m":
		m.controller.ToggleMonitor()
	case "up":
		m.controller.AdjustVolume(1)
	case "down":
		m.controller.AdjustVolume(-1)
	case "x":
		m.controller.ToggleMute()
	case "p":
		m.controller.RequestPrimary()
	case "r":
		m.controller.ToggleRecording()
	case "+", "=":
		m.controller.AdjustBoost(1)
	case "-":
		m.controller.AdjustBoost(-1)
	case ",":
		m.controller.AdjustChannel(app.SideLeft, -1)
	case ".":
		m.controller.AdjustChannel(app.SideLeft, 1)
	case "<":
		m.controller.AdjustChannel(app.SideRight, -1)
	case ">":
		m.controller.AdjustChannel(app.SideRight, 1)
	case "c":
		if len(m.status.Devices) > 0 {
			m.controller.ConnectDevice(m.status.Devices[m.selected()].ID)
		}
	case "d":
		m.controller.RefreshDevices()
	case "f":
		m.controller.RefreshFiles()
	case "P":
		m.controller.PushLatest()
	case "R":
		m.controller.Reconnect()
	}

	return m, nil
}

// applyStatus updates model from a status snapshot
func (m *Model) applyStatus(status app.Status) {
	m.status = status
	m.hasStatus = true
	m.deviceIdx = m.selected()
}

func (m *Model) addNote(n app.Notification) {
	m.notes = append(m.notes, n)
	if len(m.notes) > maxNotes {
		m.notes = m.notes[len(m.notes)-maxNotes:]
	}
}

// selected returns the device index clamped to the current list
func (m Model) selected() int {
	if m.deviceIdx < 0 || len(m.status.Devices) == 0 {
		return 0
	}
	if m.deviceIdx >= len(m.status.Devices) {
		return len(m.status.Devices) - 1
	}
	return m.deviceIdx
}

// Utility functions
func renderBar(value float64, width int) string {
	filled := int(value * float64(width) / 100)
	filled = min(max(filled, 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// truncate shortens s to at most length runes, marking the cut with "..."
func truncate(s string, length int) string {
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	return string(runes[:max(length-3, 0)]) + "..."
}
