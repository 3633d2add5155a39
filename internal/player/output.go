// ABOUTME: Audio output using oto library
// ABOUTME: Streams the timeline mixer as float32 PCM through a persistent oto player
package player

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoSink plays the mixer through oto. oto allows one context per
// process, so the context is created once and only suspended afterwards.
type OtoSink struct {
	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	mixer      *Mixer
	bufferSize time.Duration
	logger     *slog.Logger
}

// NewOtoSink creates an oto-backed sink; bufferSize 0 lets oto choose
func NewOtoSink(bufferSize time.Duration, logger *slog.Logger) *OtoSink {
	return &OtoSink{
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Open initializes oto with the specified format, or resumes it
func (o *OtoSink) Open(sampleRate, channels int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil {
		if o.mixer.sampleRate != sampleRate || o.mixer.channels != channels {
			return fmt.Errorf("%w: %dHz/%dch -> %dHz/%dch", ErrFormatChange,
				o.mixer.sampleRate, o.mixer.channels, sampleRate, channels)
		}
		return o.otoCtx.Resume()
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   o.bufferSize,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}

	<-readyChan

	o.otoCtx = ctx
	o.mixer = NewMixer(sampleRate, channels)

	// The mixer never reaches EOF, so this player runs for the life of the context
	o.player = o.otoCtx.NewPlayer(o.mixer)
	o.player.Play()

	o.logger.Info("Audio output initialized",
		slog.String("backend", "oto"),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))

	return nil
}

// Now returns the mixer clock
func (o *OtoSink) Now() float64 {
	o.mu.Lock()
	mixer := o.mixer
	o.mu.Unlock()

	if mixer == nil {
		return 0
	}
	return mixer.Now()
}

// Schedule queues a buffer on the mixer
func (o *OtoSink) Schedule(at float64, channels [][]float32) error {
	o.mu.Lock()
	mixer := o.mixer
	o.mu.Unlock()

	if mixer == nil {
		return ErrNotOpen
	}
	return mixer.Schedule(at, channels)
}

// Suspend pauses the oto context
func (o *OtoSink) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx == nil {
		return nil
	}
	return o.otoCtx.Suspend()
}

// Resume restarts the oto context
func (o *OtoSink) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx == nil {
		return ErrNotOpen
	}
	return o.otoCtx.Resume()
}

// Close stops the player and suspends the context
func (o *OtoSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player != nil {
		if err := o.player.Close(); err != nil {
			o.logger.Warn("oto player close failed", slog.String("error", err.Error()))
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		return o.otoCtx.Suspend()
	}
	return nil
}
