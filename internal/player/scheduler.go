// ABOUTME: Jitter-buffered playback scheduler
// ABOUTME: Queues sample blocks back-to-back on the sink clock and resyncs on underrun or runaway
package player

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/harperreed/capture-monitor/internal/metrics"
	"github.com/harperreed/capture-monitor/internal/protocol"
)

const (
	// SampleRate is the fixed stream rate
	SampleRate = 48000

	// Channels is the fixed stream channel count
	Channels = 2

	// DefaultLatencyBuffer is the lead given to a block after a resync (seconds)
	DefaultLatencyBuffer = 0.1

	// DefaultMaxLead is the furthest the timeline may run ahead of the clock (seconds)
	DefaultMaxLead = 1.0
)

var (
	ErrInvalidBlock = errors.New("sample block is not whole stereo frames")
	ErrSchedule     = errors.New("schedule failed")
)

// State is the scheduler's monitoring state
type State int

const (
	StateDisabled State = iota
	StateIdle           // enabled, timeline unset
	StatePlaying        // enabled, timeline live
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snap is the reason a block start was moved off the timeline
type Snap int

const (
	SnapNone     Snap = iota
	SnapUnset         // first block after enable, reset or failure
	SnapUnderrun      // timeline fell behind the clock
	SnapRunaway       // timeline ran too far ahead of the clock
)

func (s Snap) String() string {
	switch s {
	case SnapNone:
		return "none"
	case SnapUnset:
		return "unset"
	case SnapUnderrun:
		return "underrun"
	case SnapRunaway:
		return "runaway"
	default:
		return fmt.Sprintf("Snap(%d)", int(s))
	}
}

// NextStart applies the drift-correction rule. A timeline that is unset,
// behind now, or more than maxLead ahead of now is replaced by now+latency;
// otherwise the block starts exactly where the previous one ends.
func NextStart(now, timeline float64, set bool, latency, maxLead float64) (float64, Snap) {
	switch {
	case !set:
		return now + latency, SnapUnset
	case timeline < now:
		return now + latency, SnapUnderrun
	case timeline > now+maxLead:
		return now + latency, SnapRunaway
	default:
		return timeline, SnapNone
	}
}

// Deinterleave splits L,R,L,R,... into two channel buffers
func Deinterleave(samples []float32) (left, right []float32) {
	n := len(samples) / 2
	left = make([]float32, n)
	right = make([]float32, n)
	for i := 0; i < n; i++ {
		left[i] = samples[i*2]
		right[i] = samples[i*2+1]
	}
	return left, right
}

// Config holds scheduler tuning
type Config struct {
	SampleRate    int
	LatencyBuffer float64 // seconds
	MaxLead       float64 // seconds
}

// DefaultConfig returns the stock tuning for the 48 kHz stream
func DefaultConfig() Config {
	return Config{
		SampleRate:    SampleRate,
		LatencyBuffer: DefaultLatencyBuffer,
		MaxLead:       DefaultMaxLead,
	}
}

// SchedulerStats tracks scheduler metrics
type SchedulerStats struct {
	Received  int64
	Scheduled int64
	Dropped   int64
	Underruns int64
	Runaways  int64
	Failures  int64
}

// Scheduler owns the playback timeline. It is not safe for concurrent
// use; the dispatcher goroutine is its only caller.
type Scheduler struct {
	sink    Sink
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	state    State
	opened   bool
	timeline float64
	set      bool
	volume   int
	muted    bool

	stats SchedulerStats
}

// NewScheduler creates a disabled scheduler on top of sink
func NewScheduler(sink Sink, config Config, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if config.SampleRate <= 0 {
		config.SampleRate = SampleRate
	}
	if config.LatencyBuffer <= 0 {
		config.LatencyBuffer = DefaultLatencyBuffer
	}
	if config.MaxLead <= 0 {
		config.MaxLead = DefaultMaxLead
	}
	return &Scheduler{
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: m,
		state:   StateDisabled,
		volume:  100,
	}
}

// Enable opens the sink on first use, resumes it afterwards, and starts
// from an unset timeline
func (s *Scheduler) Enable() error {
	if s.state != StateDisabled {
		return nil
	}

	if !s.opened {
		if err := s.sink.Open(s.config.SampleRate, Channels); err != nil {
			s.countFailure()
			return fmt.Errorf("failed to open audio output: %w", err)
		}
		s.opened = true
	} else if err := s.sink.Resume(); err != nil {
		s.countFailure()
		return fmt.Errorf("failed to resume audio output: %w", err)
	}

	s.clearTimeline()
	s.state = StateIdle
	s.logger.Info("Monitoring enabled")
	return nil
}

// Disable stops scheduling immediately and suspends the sink. Audio that
// is already queued on the sink may still play out.
func (s *Scheduler) Disable() error {
	if s.state == StateDisabled {
		return nil
	}

	s.state = StateDisabled
	s.clearTimeline()
	s.logger.Info("Monitoring disabled")

	if s.opened {
		if err := s.sink.Suspend(); err != nil {
			return fmt.Errorf("failed to suspend audio output: %w", err)
		}
	}
	return nil
}

// Reset forces the timeline to unset so the next block resynchronizes
func (s *Scheduler) Reset() {
	s.clearTimeline()
}

// Push schedules one sample block. While disabled the block is dropped
// and the timeline cleared. On failure the block is dropped and the
// timeline left unset.
func (s *Scheduler) Push(block protocol.SampleBlock) error {
	s.stats.Received++

	if s.state == StateDisabled {
		s.clearTimeline()
		s.drop()
		return nil
	}

	if len(block.Samples) == 0 || len(block.Samples)%Channels != 0 {
		s.drop()
		return fmt.Errorf("%w: %d samples", ErrInvalidBlock, len(block.Samples))
	}

	left, right := Deinterleave(block.Samples)
	if gain := getVolumeMultiplier(s.volume, s.muted); gain != 1 {
		applyGain(left, gain)
		applyGain(right, gain)
	}

	now := s.sink.Now()
	start, snap := NextStart(now, s.timeline, s.set, s.config.LatencyBuffer, s.config.MaxLead)
	s.countSnap(snap, now)

	if err := s.sink.Schedule(start, [][]float32{left, right}); err != nil {
		s.clearTimeline()
		s.countFailure()
		s.drop()
		return fmt.Errorf("%w: %v", ErrSchedule, err)
	}

	s.timeline = start + float64(block.Frames())/float64(s.config.SampleRate)
	s.set = true
	s.state = StatePlaying
	s.stats.Scheduled++

	if s.metrics != nil {
		s.metrics.BlocksScheduled.Inc()
		s.metrics.ScheduledLead.Observe(start - now)
	}
	return nil
}

// Timeline returns the next scheduled start time and whether it is set
func (s *Scheduler) Timeline() (float64, bool) {
	return s.timeline, s.set
}

// State returns the monitoring state
func (s *Scheduler) State() State {
	return s.state
}

// Enabled reports whether monitoring is on
func (s *Scheduler) Enabled() bool {
	return s.state != StateDisabled
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	return s.stats
}

// SetVolume sets the monitor volume (0-100) for subsequently scheduled blocks
func (s *Scheduler) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	s.volume = volume
}

// SetMuted sets mute state for subsequently scheduled blocks
func (s *Scheduler) SetMuted(muted bool) {
	s.muted = muted
}

// Volume returns the monitor volume
func (s *Scheduler) Volume() int {
	return s.volume
}

// Muted returns mute state
func (s *Scheduler) Muted() bool {
	return s.muted
}

// Close releases the sink
func (s *Scheduler) Close() error {
	s.state = StateDisabled
	s.clearTimeline()
	return s.sink.Close()
}

func (s *Scheduler) clearTimeline() {
	s.timeline = 0
	s.set = false
	if s.state == StatePlaying {
		s.state = StateIdle
	}
}

func (s *Scheduler) drop() {
	s.stats.Dropped++
	if s.metrics != nil {
		s.metrics.BlocksDropped.Inc()
	}
}

func (s *Scheduler) countFailure() {
	s.stats.Failures++
	if s.metrics != nil {
		s.metrics.ScheduleFailures.Inc()
	}
}

func (s *Scheduler) countSnap(snap Snap, now float64) {
	switch snap {
	case SnapNone:
		return
	case SnapUnderrun:
		s.stats.Underruns++
		s.logger.Debug("Playback underrun, resyncing timeline",
			slog.Float64("timeline", s.timeline), slog.Float64("now", now))
	case SnapRunaway:
		s.stats.Runaways++
		s.logger.Debug("Playback lead too large, resyncing timeline",
			slog.Float64("timeline", s.timeline), slog.Float64("now", now))
	}
	if s.metrics != nil {
		s.metrics.TimelineSnaps.WithLabelValues(snap.String()).Inc()
	}
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float32 {
	if muted {
		return 0.0
	}
	return float32(volume) / 100.0
}

func applyGain(samples []float32, gain float32) {
	for i := range samples {
		samples[i] *= gain
	}
}
