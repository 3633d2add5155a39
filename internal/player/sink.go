// ABOUTME: Audio sink abstraction and backend selection
// ABOUTME: Defines the hardware-clock scheduling contract and a headless clock backend
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotOpen        = errors.New("audio sink not open")
	ErrFormatChange   = errors.New("audio sink cannot change format once opened")
	ErrUnknownBackend = errors.New("unknown audio backend")
)

// Sink is an audio output with its own monotonic clock that accepts
// buffers scheduled at future clock instants.
type Sink interface {
	// Open creates the output context, or resumes it if already created
	Open(sampleRate, channels int) error

	// Now returns the sink clock in seconds
	Now() float64

	// Schedule queues one buffer per channel to start at the given instant
	Schedule(at float64, channels [][]float32) error

	// Suspend pauses output and the clock; queued audio is kept
	Suspend() error

	// Resume restarts a suspended sink
	Resume() error

	// Close releases output resources
	Close() error
}

// NewSink creates the backend named by backend ("oto", "malgo" or "none")
func NewSink(backend string, bufferSize time.Duration, logger *slog.Logger) (Sink, error) {
	switch backend {
	case "", "oto":
		return NewOtoSink(bufferSize, logger), nil
	case "malgo":
		return NewMalgoSink(logger), nil
	case "none":
		return NewClockSink(10 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// ClockSink drives a mixer from the wall clock and discards the output.
// Used on hosts without an audio device.
type ClockSink struct {
	mu       sync.Mutex
	mixer    *Mixer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewClockSink creates a headless sink rendering every interval
func NewClockSink(interval time.Duration) *ClockSink {
	return &ClockSink{interval: interval}
}

// Open creates the mixer and starts the render loop
func (c *ClockSink) Open(sampleRate, channels int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mixer != nil {
		if c.mixer.sampleRate != sampleRate || c.mixer.channels != channels {
			return ErrFormatChange
		}
		c.startLocked()
		return nil
	}

	c.mixer = NewMixer(sampleRate, channels)
	c.startLocked()
	return nil
}

func (c *ClockSink) startLocked() {
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.mixer, c.stop, c.done)
}

func (c *ClockSink) run(mixer *Mixer, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	last := time.Now()
	var carry float64
	var buf []float32

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			exact := now.Sub(last).Seconds()*float64(mixer.sampleRate) + carry
			frames := int(exact)
			carry = exact - float64(frames)
			last = now

			n := frames * mixer.channels
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			mixer.Render(buf[:n])
		}
	}
}

// Now returns the mixer clock
func (c *ClockSink) Now() float64 {
	c.mu.Lock()
	mixer := c.mixer
	c.mu.Unlock()

	if mixer == nil {
		return 0
	}
	return mixer.Now()
}

// Schedule queues a buffer on the mixer
func (c *ClockSink) Schedule(at float64, channels [][]float32) error {
	c.mu.Lock()
	mixer := c.mixer
	c.mu.Unlock()

	if mixer == nil {
		return ErrNotOpen
	}
	return mixer.Schedule(at, channels)
}

// Suspend stops the render loop, freezing the clock
func (c *ClockSink) Suspend() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Resume restarts the render loop
func (c *ClockSink) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mixer == nil {
		return ErrNotOpen
	}
	c.startLocked()
	return nil
}

// Close stops rendering
func (c *ClockSink) Close() error {
	return c.Suspend()
}
