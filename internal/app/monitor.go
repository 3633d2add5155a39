// ABOUTME: Monitor application orchestration
// ABOUTME: Single dispatch loop feeding transport events to the decoder, scheduler and meters
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harperreed/capture-monitor/internal/client"
	"github.com/harperreed/capture-monitor/internal/control"
	"github.com/harperreed/capture-monitor/internal/meter"
	"github.com/harperreed/capture-monitor/internal/metrics"
	"github.com/harperreed/capture-monitor/internal/player"
	"github.com/harperreed/capture-monitor/internal/protocol"
	"github.com/harperreed/capture-monitor/internal/session"
)

const (
	commandQueueSize = 32
	volumeStep       = 5
	boostStep        = 0.25
)

// Transport is the connection the monitor reads frames from
type Transport interface {
	Events() <-chan client.Event
	Send(v any) bool
	Reconnect()
}

// Controller is the capture server's REST surface
type Controller interface {
	Devices(ctx context.Context) ([]control.Device, error)
	Status(ctx context.Context) (control.Status, error)
	Connect(ctx context.Context, deviceID int) error
	StartRecording(ctx context.Context, boost float64) error
	StopRecording(ctx context.Context) error
	Update(ctx context.Context, chL, chR int, boost float64) error
	Files(ctx context.Context) ([]control.File, error)
	Push(ctx context.Context, source, target string) error
}

// Observer receives status snapshots and user-facing notifications.
// Notify may be called from any goroutine.
type Observer interface {
	StatusChanged(Status)
	Notify(Notification)
}

// Notification is a message for the user
type Notification struct {
	Level slog.Level
	Text  string
	Time  time.Time
}

// Status is a point-in-time view of the monitor for display
type Status struct {
	ServerAddr string
	Connection client.State
	Meters     meter.Stereo
	Session    protocol.StateSnapshot
	HasSession bool
	Monitor    player.State
	Volume     int
	Muted      bool
	Stats      player.SchedulerStats
	MeterTicks uint64
	Devices    []control.Device
	Files      []control.File
}

// Config holds monitor configuration
type Config struct {
	ServerAddr     string
	MeterFPS       int
	ControlTimeout time.Duration
	AutoMonitor    bool // enable monitoring as soon as the engine reports running
}

// Monitor owns the scheduler, the meter engine and the session mirror.
// All of their state is touched only from the goroutine running Run.
type Monitor struct {
	config    Config
	transport Transport
	control   Controller
	scheduler *player.Scheduler
	meters    *meter.Engine
	session   *session.Store
	observer  Observer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	commands chan func(context.Context)

	conn    client.State
	devices []control.Device
	files   []control.File
}

// New creates a monitor. control and observer may be nil.
func New(config Config, transport Transport, ctrl Controller, scheduler *player.Scheduler,
	meters *meter.Engine, store *session.Store, observer Observer,
	logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if config.MeterFPS <= 0 {
		config.MeterFPS = 60
	}
	if config.ControlTimeout <= 0 {
		config.ControlTimeout = 10 * time.Second
	}

	return &Monitor{
		config:    config,
		transport: transport,
		control:   ctrl,
		scheduler: scheduler,
		meters:    meters,
		session:   store,
		observer:  observer,
		logger:    logger,
		metrics:   m,
		commands:  make(chan func(context.Context), commandQueueSize),
		conn:      client.StateClosedRetrying,
	}
}

// Run dispatches events until ctx is cancelled. The meter engine ticks
// at MeterFPS regardless of connection or monitoring state.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(m.config.MeterFPS))
	defer ticker.Stop()

	events := m.transport.Events()

	for {
		select {
		case <-ctx.Done():
			if err := m.scheduler.Disable(); err != nil {
				m.logger.Warn("Failed to stop monitoring", slog.String("error", err.Error()))
			}
			return ctx.Err()

		case ev := <-events:
			m.handleEvent(ev)

		case cmd := <-m.commands:
			cmd(ctx)

		case <-ticker.C:
			m.meters.Tick()
			m.publish()
		}
	}
}

// Status returns the current view. Only safe from the dispatch goroutine.
func (m *Monitor) Status() Status {
	snap, ok := m.session.Load()
	st := Status{
		ServerAddr: m.config.ServerAddr,
		Connection: m.conn,
		Meters:     m.meters.Current(),
		HasSession: ok,
		Monitor:    m.scheduler.State(),
		Volume:     m.scheduler.Volume(),
		Muted:      m.scheduler.Muted(),
		Stats:      m.scheduler.Stats(),
		MeterTicks: m.meters.Ticks(),
		Devices:    m.devices,
		Files:      m.files,
	}
	if ok {
		st.Session = snap
	}
	return st
}

func (m *Monitor) publish() {
	if m.observer != nil {
		m.observer.StatusChanged(m.Status())
	}
}

func (m *Monitor) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventState:
		m.handleConnection(ev.State)
	case client.EventBinary:
		m.handleBinary(ev.Data)
	case client.EventText:
		m.handleText(ev.Data)
	case client.EventError:
		m.logger.Debug("Transport error", slog.String("error", ev.Err.Error()))
	}
}

func (m *Monitor) handleConnection(state client.State) {
	m.conn = state
	m.logger.Debug("Connection state changed", slog.String("state", state.String()))

	if state != client.StateOpen {
		// the stream restarts from scratch on the next connection
		m.scheduler.Reset()
	}
}

// handleBinary decodes one stream frame. Meters see every frame; the
// scheduler drops blocks itself while monitoring is off.
func (m *Monitor) handleBinary(data []byte) {
	if m.metrics != nil {
		m.metrics.FramesReceived.Inc()
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		m.logger.Warn("Dropping malformed frame", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
		if m.metrics != nil {
			m.metrics.DecodeErrors.WithLabelValues(decodeErrorKind(err)).Inc()
		}
		return
	}

	m.meters.SetPeaks(frame.Peaks.Left, frame.Peaks.Right)

	if err := m.scheduler.Push(frame.Block); err != nil {
		m.logger.Warn("Dropping sample block", slog.String("error", err.Error()))
	}
}

func (m *Monitor) handleText(data []byte) {
	msg, err := protocol.DecodeText(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		m.logger.Debug("Ignoring message", slog.String("error", err.Error()))
		return
	}
	if err != nil {
		m.logger.Warn("Dropping text message", slog.String("error", err.Error()))
		if m.metrics != nil {
			m.metrics.DecodeErrors.WithLabelValues("text").Inc()
		}
		return
	}

	switch msg := msg.(type) {
	case protocol.StateSnapshot:
		version := m.session.Apply(msg)
		if m.metrics != nil {
			m.metrics.Snapshots.Inc()
		}
		m.logger.Debug("Session state updated",
			slog.Uint64("version", version),
			slog.Bool("running", msg.IsRunning),
			slog.Bool("recording", msg.IsRecording),
			slog.Bool("primary", msg.IsPrimary))

		if m.config.AutoMonitor && msg.IsRunning && !m.scheduler.Enabled() {
			if err := m.scheduler.Enable(); err != nil {
				m.notify(slog.LevelError, "Failed to start monitoring: %v", err)
			}
		}
	}
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrShortFrame):
		return "short"
	case errors.Is(err, protocol.ErrEmptyPayload):
		return "empty"
	case errors.Is(err, protocol.ErrMisalignedPayload):
		return "misaligned"
	default:
		return "other"
	}
}

// do queues fn for the dispatch goroutine; it is dropped if the queue is full
func (m *Monitor) do(fn func(context.Context)) {
	select {
	case m.commands <- fn:
	default:
		m.logger.Warn("Command queue full, dropping command")
	}
}

func (m *Monitor) notify(level slog.Level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	m.logger.Log(context.Background(), level, text)
	if m.observer != nil {
		m.observer.Notify(Notification{Level: level, Text: text, Time: time.Now()})
	}
}

// ToggleMonitor turns monitoring on or off. Turning it on is refused
// until the capture engine reports it is running.
func (m *Monitor) ToggleMonitor() {
	m.do(func(ctx context.Context) {
		if m.scheduler.Enabled() {
			if err := m.scheduler.Disable(); err != nil {
				m.notify(slog.LevelError, "Failed to stop monitoring: %v", err)
			}
			return
		}

		if !m.session.EngineRunning() {
			m.notify(slog.LevelWarn, "Capture engine is not running")
			return
		}
		if err := m.scheduler.Enable(); err != nil {
			m.notify(slog.LevelError, "Failed to start monitoring: %v", err)
		}
	})
}

// RequestPrimary asks the server for primary control
func (m *Monitor) RequestPrimary() {
	m.do(func(ctx context.Context) {
		if !m.transport.Send(protocol.RequestPrimary()) {
			m.notify(slog.LevelWarn, "Not connected, primary request dropped")
		}
	})
}

// AdjustVolume changes the monitor volume by steps of 5
func (m *Monitor) AdjustVolume(steps int) {
	m.do(func(ctx context.Context) {
		m.scheduler.SetVolume(m.scheduler.Volume() + steps*volumeStep)
	})
}

// SetVolume sets the monitor volume (0-100)
func (m *Monitor) SetVolume(volume int) {
	m.do(func(ctx context.Context) {
		m.scheduler.SetVolume(volume)
	})
}

// ToggleMute mutes or unmutes the monitor
func (m *Monitor) ToggleMute() {
	m.do(func(ctx context.Context) {
		m.scheduler.SetMuted(!m.scheduler.Muted())
	})
}

// Reconnect drops the current connection
func (m *Monitor) Reconnect() {
	m.do(func(ctx context.Context) {
		m.transport.Reconnect()
	})
}

// RefreshDevices fetches the device list
func (m *Monitor) RefreshDevices() {
	m.remote("list devices", func(ctx context.Context, c Controller) (func(), error) {
		devices, err := c.Devices(ctx)
		if err != nil {
			return nil, err
		}
		return func() { m.devices = devices }, nil
	})
}

// RefreshStatus seeds the session mirror from the REST status so the
// display is populated before the first websocket snapshot arrives. A
// snapshot already received wins.
func (m *Monitor) RefreshStatus() {
	m.remote("fetch status", func(ctx context.Context, c Controller) (func(), error) {
		st, err := c.Status(ctx)
		if err != nil {
			return nil, err
		}
		return func() {
			if m.session.Version() > 0 {
				return
			}
			m.session.Apply(protocol.StateSnapshot{
				Type:               protocol.TypeState,
				IsRunning:          st.IsRunning,
				IsRecording:        st.IsRecording,
				DeviceID:           st.DeviceID,
				ChL:                st.ChL,
				ChR:                st.ChR,
				Boost:              st.Boost,
				StorageLocation:    st.StorageLocation,
				CloudDriveLocation: st.CloudDriveLocation,
			})
			m.logger.Debug("Session seeded from status", slog.Bool("running", st.IsRunning))
		}, nil
	})
}

// ConnectDevice starts the capture engine on a device
func (m *Monitor) ConnectDevice(deviceID int) {
	m.remote("connect device", func(ctx context.Context, c Controller) (func(), error) {
		if err := c.Connect(ctx, deviceID); err != nil {
			return nil, err
		}
		return func() { m.notify(slog.LevelInfo, "Connected device %d", deviceID) }, nil
	})
}

// ToggleRecording starts or stops recording based on the mirrored session
func (m *Monitor) ToggleRecording() {
	m.do(func(ctx context.Context) {
		snap, ok := m.session.Load()
		if !ok || !snap.IsRunning {
			m.notify(slog.LevelWarn, "Capture engine is not running")
			return
		}
		recording, boost := snap.IsRecording, snap.Boost

		m.remote("toggle recording", func(ctx context.Context, c Controller) (func(), error) {
			if recording {
				return nil, c.StopRecording(ctx)
			}
			return nil, c.StartRecording(ctx, boost)
		})
	})
}

// AdjustBoost changes the input boost by steps of 0.25, keeping the
// mirrored channel mapping
func (m *Monitor) AdjustBoost(steps int) {
	m.do(func(ctx context.Context) {
		snap, ok := m.session.Load()
		if !ok {
			m.notify(slog.LevelWarn, "No session state yet")
			return
		}
		if snap.IsRecording {
			m.notify(slog.LevelWarn, "Cannot change boost while recording")
			return
		}
		chL, chR := snap.ChL, snap.ChR
		boost := max(0, snap.Boost+float64(steps)*boostStep)

		m.remote("update boost", func(ctx context.Context, c Controller) (func(), error) {
			return nil, c.Update(ctx, chL, chR, boost)
		})
	})
}

// Side selects an output channel of the monitor mix
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideRight {
		return "right"
	}
	return "left"
}

// AdjustChannel moves the input channel feeding side by steps, bounded by
// the running device's input count and keeping the mirrored boost
func (m *Monitor) AdjustChannel(side Side, steps int) {
	m.do(func(ctx context.Context) {
		snap, ok := m.session.Load()
		if !ok {
			m.notify(slog.LevelWarn, "No session state yet")
			return
		}
		if snap.IsRecording {
			m.notify(slog.LevelWarn, "Cannot change channels while recording")
			return
		}

		inputs := m.deviceInputs(snap.DeviceID)
		if inputs <= 0 {
			m.notify(slog.LevelWarn, "Input count of device %d unknown, refresh devices", snap.DeviceID)
			return
		}

		chL, chR := snap.ChL, snap.ChR
		cur := &chL
		if side == SideRight {
			cur = &chR
		}
		next := min(max(*cur+steps, 0), inputs-1)
		if next == *cur {
			return
		}
		*cur = next
		boost := snap.Boost

		m.remote("update "+side.String()+" channel", func(ctx context.Context, c Controller) (func(), error) {
			return nil, c.Update(ctx, chL, chR, boost)
		})
	})
}

// deviceInputs returns the input count of a listed device, 0 if unlisted
func (m *Monitor) deviceInputs(deviceID int) int {
	for _, d := range m.devices {
		if d.ID == deviceID {
			return d.Inputs
		}
	}
	return 0
}

// RefreshFiles fetches the recording list
func (m *Monitor) RefreshFiles() {
	m.remote("list files", func(ctx context.Context, c Controller) (func(), error) {
		files, err := c.Files(ctx)
		if err != nil {
			return nil, err
		}
		return func() { m.files = files }, nil
	})
}

// PushLatest copies the newest recording to the cloud drive
func (m *Monitor) PushLatest() {
	m.remote("push recording", func(ctx context.Context, c Controller) (func(), error) {
		files, err := c.Files(ctx)
		if err != nil {
			return nil, err
		}
		newest, ok := control.Newest(files)
		if !ok {
			return nil, errors.New("no recordings to push")
		}
		if err := c.Push(ctx, newest.Name, newest.Name); err != nil {
			return nil, err
		}
		return func() {
			m.files = files
			m.notify(slog.LevelInfo, "Pushed %s", newest.Name)
		}, nil
	})
}

// remote runs a REST call off the dispatch goroutine. The returned
// closure, if any, is applied back on the dispatch goroutine.
func (m *Monitor) remote(name string, call func(context.Context, Controller) (func(), error)) {
	if m.control == nil {
		m.notify(slog.LevelWarn, "Control API not configured")
		return
	}

	m.do(func(ctx context.Context) {
		go func() {
			callCtx, cancel := context.WithTimeout(ctx, m.config.ControlTimeout)
			defer cancel()

			apply, err := call(callCtx, m.control)
			if err != nil {
				m.notify(slog.LevelError, "Failed to %s: %v", name, err)
				return
			}
			if apply != nil {
				m.do(func(context.Context) { apply() })
			}
		}()
	})
}
