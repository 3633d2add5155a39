// ABOUTME: Tests for playback scheduler
// ABOUTME: Tests timeline drift correction, de-interleaving and enable/disable handling
package player

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/harperreed/capture-monitor/internal/metrics"
	"github.com/harperreed/capture-monitor/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type scheduled struct {
	at       float64
	channels [][]float32
}

// fakeSink records scheduled buffers against a settable clock
type fakeSink struct {
	now       float64
	opens     int
	resumes   int
	suspends  int
	closed    bool
	failNext  error
	openErr   error
	scheduled []scheduled
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (f *fakeSink) Open(sampleRate, channels int) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	return nil
}

func (f *fakeSink) Now() float64 { return f.now }

func (f *fakeSink) Schedule(at float64, channels [][]float32) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.scheduled = append(f.scheduled, scheduled{at: at, channels: channels})
	return nil
}

func (f *fakeSink) Suspend() error { f.suspends++; return nil }
func (f *fakeSink) Resume() error  { f.resumes++; return nil }
func (f *fakeSink) Close() error   { f.closed = true; return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func block(frames int) protocol.SampleBlock {
	samples := make([]float32, frames*2)
	for i := range samples {
		samples[i] = 0.1
	}
	return protocol.SampleBlock{Samples: samples, Offset: protocol.PeakHeaderSize}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNextStart(t *testing.T) {
	tests := []struct {
		name     string
		now      float64
		timeline float64
		set      bool
		want     float64
		snap     Snap
	}{
		{"unset", 2.0, 0, false, 2.1, SnapUnset},
		{"behind", 5.0, 4.8, true, 5.1, SnapUnderrun},
		{"too far ahead", 5.0, 6.5, true, 5.1, SnapRunaway},
		{"on schedule", 5.0, 5.3, true, 5.3, SnapNone},
		{"exactly now", 5.0, 5.0, true, 5.0, SnapNone},
		{"exactly max lead", 5.0, 6.0, true, 6.0, SnapNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, snap := NextStart(tt.now, tt.timeline, tt.set, DefaultLatencyBuffer, DefaultMaxLead)
			if !approx(got, tt.want) {
				t.Errorf("expected start %f, got %f", tt.want, got)
			}
			if snap != tt.snap {
				t.Errorf("expected snap %v, got %v", tt.snap, snap)
			}
		})
	}
}

func TestDeinterleave(t *testing.T) {
	left, right := Deinterleave([]float32{1, 2, 3, 4, 5, 6})

	wantL := []float32{1, 3, 5}
	wantR := []float32{2, 4, 6}
	for i := range wantL {
		if left[i] != wantL[i] || right[i] != wantR[i] {
			t.Fatalf("frame %d: got L=%f R=%f", i, left[i], right[i])
		}
	}

	back := interleave(left, right)
	for i, v := range []float32{1, 2, 3, 4, 5, 6} {
		if back[i] != v {
			t.Errorf("round trip sample %d: expected %f, got %f", i, v, back[i])
		}
	}
}

func TestSchedulerBackToBack(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)

	if err := s.Enable(); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after enable, got %v", s.State())
	}

	sink.now = 10.0
	for i := 0; i < 3; i++ {
		if err := s.Push(block(4800)); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
		sink.now += 0.05
	}

	if len(sink.scheduled) != 3 {
		t.Fatalf("expected 3 scheduled buffers, got %d", len(sink.scheduled))
	}
	want := []float64{10.1, 10.2, 10.3}
	for i, w := range want {
		if !approx(sink.scheduled[i].at, w) {
			t.Errorf("buffer %d: expected start %f, got %f", i, w, sink.scheduled[i].at)
		}
	}

	next, set := s.Timeline()
	if !set || !approx(next, 10.4) {
		t.Errorf("expected timeline 10.4, got %f (set=%v)", next, set)
	}
	if s.State() != StatePlaying {
		t.Errorf("expected playing, got %v", s.State())
	}
}

func TestSchedulerUnderrunResync(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()

	sink.now = 1.0
	_ = s.Push(block(480)) // 1.1 .. 1.11

	sink.now = 2.0
	_ = s.Push(block(480))

	if !approx(sink.scheduled[1].at, 2.1) {
		t.Errorf("expected resync to 2.1, got %f", sink.scheduled[1].at)
	}
	if s.Stats().Underruns != 1 {
		t.Errorf("expected 1 underrun, got %d", s.Stats().Underruns)
	}
}

func TestSchedulerRunawayResync(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()

	// A burst of 1.5s of audio while the clock stands still
	for i := 0; i < 16; i++ {
		_ = s.Push(block(4800))
	}

	for i, b := range sink.scheduled {
		if b.at > sink.now+DefaultMaxLead+1e-9 {
			t.Errorf("buffer %d scheduled at %f, beyond max lead", i, b.at)
		}
	}
	if s.Stats().Runaways == 0 {
		t.Error("expected at least one runaway resync")
	}
}

func TestSchedulerDisabledDrops(t *testing.T) {
	sink := newFakeSink()
	m := metrics.NewMetrics()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), m)

	if err := s.Push(block(480)); err != nil {
		t.Fatalf("push while disabled should not error: %v", err)
	}
	if len(sink.scheduled) != 0 {
		t.Error("expected nothing scheduled while disabled")
	}
	if _, set := s.Timeline(); set {
		t.Error("expected timeline unset while disabled")
	}
	if got := testutil.ToFloat64(m.BlocksDropped); got != 1 {
		t.Errorf("expected 1 dropped block, got %f", got)
	}
}

func TestSchedulerDisableResetsTimeline(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()
	_ = s.Push(block(480))

	if err := s.Disable(); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if _, set := s.Timeline(); set {
		t.Error("expected timeline unset after disable")
	}
	if sink.suspends != 1 {
		t.Errorf("expected sink suspended once, got %d", sink.suspends)
	}

	// Re-enabling resumes instead of reopening
	_ = s.Enable()
	if sink.opens != 1 || sink.resumes != 1 {
		t.Errorf("expected 1 open and 1 resume, got %d and %d", sink.opens, sink.resumes)
	}

	sink.now = 3.0
	_ = s.Push(block(480))
	if !approx(sink.scheduled[len(sink.scheduled)-1].at, 3.1) {
		t.Errorf("expected fresh start at 3.1, got %f", sink.scheduled[len(sink.scheduled)-1].at)
	}
}

func TestSchedulerFailureLeavesTimelineUnset(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()
	_ = s.Push(block(480))

	sink.failNext = errors.New("device lost")
	err := s.Push(block(480))
	if !errors.Is(err, ErrSchedule) {
		t.Fatalf("expected ErrSchedule, got %v", err)
	}
	if _, set := s.Timeline(); set {
		t.Error("expected timeline unset after failure")
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle after failure, got %v", s.State())
	}
	if s.Stats().Failures != 1 {
		t.Errorf("expected 1 failure, got %d", s.Stats().Failures)
	}

	// Next block resynchronizes from now
	sink.now = 0.5
	if err := s.Push(block(480)); err != nil {
		t.Fatalf("push after failure: %v", err)
	}
	if !approx(sink.scheduled[len(sink.scheduled)-1].at, 0.6) {
		t.Errorf("expected resync at 0.6, got %f", sink.scheduled[len(sink.scheduled)-1].at)
	}
}

func TestSchedulerOpenFailure(t *testing.T) {
	sink := newFakeSink()
	sink.openErr = errors.New("no device")
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)

	if err := s.Enable(); err == nil {
		t.Fatal("expected enable to fail")
	}
	if s.Enabled() {
		t.Error("expected scheduler to stay disabled")
	}
}

func TestSchedulerRejectsOddBlock(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()

	err := s.Push(protocol.SampleBlock{Samples: []float32{0.1, 0.2, 0.3}})
	if !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("expected ErrInvalidBlock, got %v", err)
	}
	if len(sink.scheduled) != 0 {
		t.Error("expected nothing scheduled")
	}
}

func TestSchedulerAppliesVolume(t *testing.T) {
	sink := newFakeSink()
	s := NewScheduler(sink, DefaultConfig(), testLogger(), nil)
	_ = s.Enable()
	s.SetVolume(50)

	_ = s.Push(protocol.SampleBlock{Samples: []float32{0.5, -0.5}})

	ch := sink.scheduled[0].channels
	if ch[0][0] != 0.25 || ch[1][0] != -0.25 {
		t.Errorf("expected half gain, got L=%f R=%f", ch[0][0], ch[1][0])
	}

	s.SetMuted(true)
	_ = s.Push(protocol.SampleBlock{Samples: []float32{0.5, -0.5}})
	ch = sink.scheduled[1].channels
	if ch[0][0] != 0 || ch[1][0] != 0 {
		t.Errorf("expected silence while muted, got L=%f R=%f", ch[0][0], ch[1][0])
	}
}

// interleave is the inverse of Deinterleave
func interleave(left, right []float32) []float32 {
	n := min(len(left), len(right))
	out := make([]float32, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = left[i]
		out[i*2+1] = right[i]
	}
	return out
}
