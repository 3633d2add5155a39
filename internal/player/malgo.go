// ABOUTME: Malgo-based audio output implementation
// ABOUTME: Renders the timeline mixer from the miniaudio device callback
package player

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoSink plays the mixer through a miniaudio playback device
type MalgoSink struct {
	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	mixer    *Mixer
	scratch  []float32
	logger   *slog.Logger
}

// NewMalgoSink creates a malgo-backed sink
func NewMalgoSink(logger *slog.Logger) *MalgoSink {
	return &MalgoSink{logger: logger}
}

// Open initializes the playback device, or resumes it
func (m *MalgoSink) Open(sampleRate, channels int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if m.mixer.sampleRate != sampleRate || m.mixer.channels != channels {
			return fmt.Errorf("%w: %dHz/%dch -> %dHz/%dch", ErrFormatChange,
				m.mixer.sampleRate, m.mixer.channels, sampleRate, channels)
		}
		return m.startLocked()
	}

	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize malgo context: %w", err)
		}
		m.malgoCtx = ctx
	}

	mixer := NewMixer(sampleRate, channels)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSample, pInputSamples []byte, frameCount uint32) {
			m.dataCallback(mixer, pOutputSample, frameCount)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	m.device = device
	m.mixer = mixer

	if err := m.startLocked(); err != nil {
		device.Uninit()
		m.device = nil
		m.mixer = nil
		return err
	}

	m.logger.Info("Audio output initialized",
		slog.String("backend", "malgo"),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))

	return nil
}

func (m *MalgoSink) startLocked() error {
	if m.device.IsStarted() {
		return nil
	}
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	return nil
}

// dataCallback fills the device buffer from the mixer (audio thread)
func (m *MalgoSink) dataCallback(mixer *Mixer, out []byte, frameCount uint32) {
	n := int(frameCount) * mixer.channels
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	buf := m.scratch[:n]

	mixer.Render(buf)
	putFloat32LE(out, buf)
}

// Now returns the mixer clock
func (m *MalgoSink) Now() float64 {
	m.mu.Lock()
	mixer := m.mixer
	m.mu.Unlock()

	if mixer == nil {
		return 0
	}
	return mixer.Now()
}

// Schedule queues a buffer on the mixer
func (m *MalgoSink) Schedule(at float64, channels [][]float32) error {
	m.mu.Lock()
	mixer := m.mixer
	m.mu.Unlock()

	if mixer == nil {
		return ErrNotOpen
	}
	return mixer.Schedule(at, channels)
}

// Suspend stops the device; the mixer clock stops with it
func (m *MalgoSink) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil || !m.device.IsStarted() {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}
	return nil
}

// Resume restarts the device
func (m *MalgoSink) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return ErrNotOpen
	}
	return m.startLocked()
}

// Close releases the device and context
func (m *MalgoSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if m.device.IsStarted() {
			if err := m.device.Stop(); err != nil {
				m.logger.Warn("malgo device stop failed", slog.String("error", err.Error()))
			}
		}
		m.device.Uninit()
		m.device = nil
	}

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			m.logger.Warn("malgo context uninit failed", slog.String("error", err.Error()))
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}
