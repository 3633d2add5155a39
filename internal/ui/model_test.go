// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, key bindings, device selection and meter rendering
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harperreed/capture-monitor/internal/app"
	"github.com/harperreed/capture-monitor/internal/client"
	"github.com/harperreed/capture-monitor/internal/control"
	"github.com/harperreed/capture-monitor/internal/meter"
	"github.com/harperreed/capture-monitor/internal/protocol"
)

type fakeController struct {
	calls     []string
	channels  []string
	connected []int
	volume    []int
}

func (f *fakeController) ToggleMonitor()         { f.calls = append(f.calls, "monitor") }
func (f *fakeController) RequestPrimary()        { f.calls = append(f.calls, "primary") }
func (f *fakeController) AdjustVolume(steps int) { f.volume = append(f.volume, steps) }
func (f *fakeController) ToggleMute()            { f.calls = append(f.calls, "mute") }
func (f *fakeController) Reconnect()             { f.calls = append(f.calls, "reconnect") }
func (f *fakeController) RefreshDevices()        { f.calls = append(f.calls, "devices") }
func (f *fakeController) RefreshStatus()         { f.calls = append(f.calls, "status") }
func (f *fakeController) ConnectDevice(id int)   { f.connected = append(f.connected, id) }
func (f *fakeController) ToggleRecording()       { f.calls = append(f.calls, "record") }
func (f *fakeController) AdjustBoost(steps int)  { f.calls = append(f.calls, "boost") }
func (f *fakeController) AdjustChannel(side app.Side, steps int) {
	f.channels = append(f.channels, fmt.Sprintf("%s%+d", side, steps))
}
func (f *fakeController) RefreshFiles() { f.calls = append(f.calls, "files") }
func (f *fakeController) PushLatest()   { f.calls = append(f.calls, "push") }

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(Model)
	}
	return m
}

func TestNewModel(t *testing.T) {
	model := NewModel(nil)

	if model.status.Connection != client.StateClosedRetrying {
		t.Errorf("expected disconnected initially, got %v", model.status.Connection)
	}
	if model.status.Volume != 100 {
		t.Errorf("expected default volume 100, got %d", model.status.Volume)
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
}

func TestStatusMsg(t *testing.T) {
	model := NewModel(nil)

	next, _ := model.Update(StatusMsg{app.Status{
		ServerAddr: "studio:8080",
		Connection: client.StateOpen,
		HasSession: true,
		Session:    protocol.StateSnapshot{IsRunning: true, IsRecording: true, DeviceID: 4, Boost: 2},
	}})
	model = next.(Model)

	if !model.hasStatus || model.status.Connection != client.StateOpen {
		t.Error("expected status applied")
	}

	view := model.View()
	for _, want := range []string{"studio:8080", "connected", "running", "REC", "device 4"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestKeyBindings(t *testing.T) {
	ctrl := &fakeController{}
	model := press(NewModel(ctrl), "m", "p", "x", "r", "d", "f", "P", "R", "up", "down")

	want := []string{"monitor", "primary", "mute", "record", "devices", "files", "push", "reconnect"}
	if len(ctrl.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, ctrl.calls)
	}
	for i := range want {
		if ctrl.calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], ctrl.calls[i])
		}
	}
	if len(ctrl.volume) != 2 || ctrl.volume[0] != 1 || ctrl.volume[1] != -1 {
		t.Errorf("unexpected volume steps %v", ctrl.volume)
	}

	model = press(model, ",", ".", "<", ">")
	wantCh := []string{"left-1", "left+1", "right-1", "right+1"}
	if fmt.Sprint(ctrl.channels) != fmt.Sprint(wantCh) {
		t.Errorf("expected channel adjustments %v, got %v", wantCh, ctrl.channels)
	}

	model = press(model, "v")
	if !model.showDebug {
		t.Error("expected stats toggled on")
	}
}

func TestInitFetchesServerState(t *testing.T) {
	ctrl := &fakeController{}
	NewModel(ctrl).Init()

	if fmt.Sprint(ctrl.calls) != "[status devices]" {
		t.Errorf("expected status and device refresh on start, got %v", ctrl.calls)
	}
}

func TestDebugViewShowsMeterFrames(t *testing.T) {
	model := press(NewModel(nil), "v")
	model.applyStatus(app.Status{MeterTicks: 1234})

	if !strings.Contains(model.View(), "meter frames 1234") {
		t.Error("expected meter frame count in stats view")
	}
}

func TestDeviceSelection(t *testing.T) {
	ctrl := &fakeController{}
	model := NewModel(ctrl)
	model.applyStatus(app.Status{Devices: []control.Device{
		{ID: 3, Name: "UMC404HD", Inputs: 4},
		{ID: 8, Name: "Built-in", Inputs: 2},
	}})

	model = press(model, "c")
	model = press(model, "]", "c")
	model = press(model, "]", "c") // wraps to first
	model = press(model, "[", "c") // wraps to last

	want := []int{3, 8, 3, 8}
	if len(ctrl.connected) != len(want) {
		t.Fatalf("expected connects %v, got %v", want, ctrl.connected)
	}
	for i := range want {
		if ctrl.connected[i] != want[i] {
			t.Errorf("connect %d: expected device %d, got %d", i, want[i], ctrl.connected[i])
		}
	}

	// shrinking the list keeps the selection in range
	model.applyStatus(app.Status{Devices: []control.Device{{ID: 3}}})
	if model.selected() != 0 {
		t.Errorf("expected selection clamped to 0, got %d", model.selected())
	}
}

func TestConnectWithoutDevices(t *testing.T) {
	ctrl := &fakeController{}
	press(NewModel(ctrl), "c", "[", "]")
	if len(ctrl.connected) != 0 {
		t.Error("expected no connect without a device list")
	}
}

func TestNotificationsCapped(t *testing.T) {
	model := NewModel(nil)
	for i := 0; i < 5; i++ {
		next, _ := model.Update(NotifyMsg{app.Notification{Level: slog.LevelError, Text: string(rune('a' + i)), Time: time.Now()}})
		model = next.(Model)
	}

	if len(model.notes) != maxNotes {
		t.Fatalf("expected %d notes, got %d", maxNotes, len(model.notes))
	}
	if model.notes[0].Text != "c" || model.notes[2].Text != "e" {
		t.Errorf("expected newest notes kept, got %+v", model.notes)
	}
}

func TestRenderMeter(t *testing.T) {
	line := renderMeter("L", meter.Level{Percent: 50, DB: -30})
	if !strings.Contains(line, "-30.0 dB") {
		t.Errorf("expected dB readout, got %q", line)
	}
	if strings.Count(line, "█") != meterWidth/2 {
		t.Errorf("expected half-filled bar, got %q", line)
	}

	silent := renderMeter("R", meter.Level{Percent: 0, DB: meter.FloorDB})
	if !strings.Contains(silent, "-inf dB") {
		t.Errorf("expected -inf readout at the floor, got %q", silent)
	}
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		value  float64
		filled int
	}{
		{0, 0},
		{50, 5},
		{100, 10},
		{140, 10},
		{-5, 0},
	}

	for _, tt := range tests {
		bar := renderBar(tt.value, 10)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("value %f: expected %d filled, got %d", tt.value, tt.filled, got)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != 10 {
			t.Errorf("value %f: expected width 10, got %d", tt.value, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short unchanged, got %s", got)
	}
	if got := truncate("/mnt/recordings/very/long/path", 12); got != "/mnt/reco..." {
		t.Errorf("unexpected truncation %s", got)
	}
	if got := truncate("Müller Äudio Interface", 8); got != "Mülle..." || !utf8.ValidString(got) {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
	if got := truncate("Ünïcödé", 7); got != "Ünïcödé" {
		t.Errorf("expected 7-rune name unchanged, got %q", got)
	}
}

type fakeSender struct {
	msgs chan tea.Msg
}

func (f *fakeSender) Send(msg tea.Msg) { f.msgs <- msg }

func TestObserverCoalescesStatus(t *testing.T) {
	s := &fakeSender{msgs: make(chan tea.Msg, 8)}
	obs := NewObserver()

	obs.StatusChanged(app.Status{Volume: 10})
	obs.StatusChanged(app.Status{Volume: 20})
	obs.StatusChanged(app.Status{Volume: 30})
	obs.Notify(app.Notification{Text: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx, s)

	var statuses []int
	var notes []string
	timeout := time.After(time.Second)
	for len(statuses) < 1 || len(notes) < 1 {
		select {
		case msg := <-s.msgs:
			switch msg := msg.(type) {
			case StatusMsg:
				statuses = append(statuses, msg.Volume)
			case NotifyMsg:
				notes = append(notes, msg.Text)
			}
		case <-timeout:
			t.Fatal("timed out waiting for forwarded messages")
		}
	}

	if len(statuses) != 1 || statuses[0] != 30 {
		t.Errorf("expected only the newest status, got %v", statuses)
	}
	if notes[0] != "hello" {
		t.Errorf("unexpected notification %v", notes)
	}
}
