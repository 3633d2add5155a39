// ABOUTME: Timeline mixer shared by the audio backends
// ABOUTME: Plays buffers at scheduled frame positions; its frame counter is the hardware clock
package player

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrChannelMismatch = errors.New("channel count mismatch")
	ErrRaggedBuffer    = errors.New("channel buffers differ in length")
)

// voice is one scheduled buffer
type voice struct {
	start    int64 // first frame, in mixer clock frames
	channels [][]float32
	frames   int
}

func (v voice) end() int64 {
	return v.start + int64(v.frames)
}

// Mixer renders scheduled buffers into an interleaved float32 stream.
// The number of frames rendered so far is the clock every backend reports,
// so Now is the earliest instant that can still be scheduled.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	position   int64
	voices     []voice
	scratch    []float32
}

// NewMixer creates a mixer for the given format
func NewMixer(sampleRate, channels int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Now returns the mixer clock in seconds
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.position) / float64(m.sampleRate)
}

// framesRendered returns the mixer clock in frames
func (m *Mixer) framesRendered() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Schedule queues per-channel buffers to start at the given clock instant.
// A start in the past begins at the current position, as a late start
// would on real hardware.
func (m *Mixer) Schedule(at float64, channels [][]float32) error {
	if len(channels) != m.channels {
		return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(channels), m.channels)
	}
	frames := len(channels[0])
	for _, ch := range channels[1:] {
		if len(ch) != frames {
			return ErrRaggedBuffer
		}
	}
	if frames == 0 {
		return nil
	}

	start := int64(math.Round(at * float64(m.sampleRate)))

	m.mu.Lock()
	defer m.mu.Unlock()

	if start < m.position {
		start = m.position
	}
	m.voices = append(m.voices, voice{start: start, channels: channels, frames: frames})
	return nil
}

// pendingVoices returns the number of buffers not yet fully rendered
func (m *Mixer) pendingVoices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Render fills out (interleaved) with the next len(out)/channels frames and
// advances the clock. Returns the number of frames rendered.
func (m *Mixer) Render(out []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := len(out) / m.channels
	out = out[:frames*m.channels]
	for i := range out {
		out[i] = 0
	}

	from := m.position
	to := from + int64(frames)

	live := m.voices[:0]
	for _, v := range m.voices {
		if v.start < to && v.end() > from {
			lo := max(v.start, from)
			hi := min(v.end(), to)
			for f := lo; f < hi; f++ {
				src := int(f - v.start)
				dst := int(f-from) * m.channels
				for c := 0; c < m.channels; c++ {
					out[dst+c] += v.channels[c][src]
				}
			}
		}
		if v.end() > to {
			live = append(live, v)
		}
	}
	// clear the tail so dropped voices can be collected
	for i := len(live); i < len(m.voices); i++ {
		m.voices[i] = voice{}
	}
	m.voices = live

	for i, s := range out {
		out[i] = clampSample(s)
	}

	m.position = to
	return frames
}

// Read implements io.Reader, producing float32 little-endian frames
func (m *Mixer) Read(p []byte) (int, error) {
	frameBytes := 4 * m.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	n := frames * m.channels
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	buf := m.scratch[:n]

	m.Render(buf)
	putFloat32LE(p, buf)
	return n * 4, nil
}

func clampSample(s float32) float32 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// putFloat32LE encodes samples into dst, which must hold 4*len(src) bytes
func putFloat32LE(dst []byte, src []float32) {
	for i, s := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
