// ABOUTME: Tests for the level meter engine
// ABOUTME: Covers dB/percent conversion, smoothing and floor snapping
package meter

import (
	"math"
	"testing"
)

func TestToDBAnchors(t *testing.T) {
	tests := []struct {
		peak     float64
		expected float64
	}{
		{1.0, 0},
		{0, FloorDB},
		{-0.5, FloorDB},
		{1e-6, FloorDB}, // -120 dB clamps to the floor
		{0.1, -20},
	}

	for _, tt := range tests {
		got := ToDB(tt.peak)
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("ToDB(%v): expected %v, got %v", tt.peak, tt.expected, got)
		}
	}
}

func TestToDBDoesNotClampClipping(t *testing.T) {
	if db := ToDB(2.0); db <= 0 {
		t.Errorf("expected positive dBFS for clipping input, got %v", db)
	}
	if pct := LevelOf(2.0).Percent; pct != 100 {
		t.Errorf("expected clipping input to fill the bar, got %v", pct)
	}
}

func TestToDBMonotonic(t *testing.T) {
	prev := ToDB(1.0)
	for v := 0.999; v > 0; v -= 0.001 {
		db := ToDB(v)
		if db > prev {
			t.Fatalf("ToDB not monotonic at %v: %v > %v", v, db, prev)
		}
		prev = db
	}
}

func TestDBToPercent(t *testing.T) {
	tests := []struct {
		db       float64
		expected float64
	}{
		{0, 100},
		{6, 100},
		{-30, 50},
		{-60, 0},
		{-100, 0},
	}

	for _, tt := range tests {
		if got := DBToPercent(tt.db); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("DBToPercent(%v): expected %v, got %v", tt.db, tt.expected, got)
		}
	}

	prev := DBToPercent(-100)
	for db := -99.5; db <= 5; db += 0.5 {
		pct := DBToPercent(db)
		if pct < prev || pct < 0 || pct > 100 {
			t.Fatalf("DBToPercent(%v) = %v breaks monotonic clamp (prev %v)", db, pct, prev)
		}
		prev = pct
	}
}

func TestSetPeaksOnlyTouchesTarget(t *testing.T) {
	e := NewEngine(DefaultDecay)
	e.SetPeaks(1.0, 0.1)

	if e.Current() != Silent {
		t.Errorf("expected current untouched by SetPeaks, got %+v", e.Current())
	}

	target := e.Target()
	if target.L.Percent != 100 || target.L.DB != 0 {
		t.Errorf("unexpected left target: %+v", target.L)
	}
	if math.Abs(target.R.DB+20) > 1e-9 {
		t.Errorf("expected right target -20 dB, got %v", target.R.DB)
	}
}

func TestTickMovesByFixedFraction(t *testing.T) {
	e := NewEngine(DefaultDecay)
	e.SetPeaks(1.0, 1.0)
	e.Tick()

	cur := e.Current()
	if cur.L.Percent != 25 {
		t.Errorf("expected 25%% after one tick, got %v", cur.L.Percent)
	}
	if cur.L.DB != -75 {
		t.Errorf("expected -75 dB after one tick, got %v", cur.L.DB)
	}
	if e.Ticks() != 1 {
		t.Errorf("expected tick count 1, got %d", e.Ticks())
	}
}

func TestSmoothingNeverOvershoots(t *testing.T) {
	peaks := []float32{0.9, 0.05, 0.5, 0.02, 1.0, 0.3}

	e := NewEngine(DefaultDecay)
	for _, p := range peaks {
		e.SetPeaks(p, p/2)
		target := e.Target()

		for i := 0; i < 30; i++ {
			before := e.Current()
			e.Tick()
			after := e.Current()

			checkApproach(t, "L percent", before.L.Percent, after.L.Percent, target.L.Percent)
			checkApproach(t, "R percent", before.R.Percent, after.R.Percent, target.R.Percent)
			checkApproach(t, "L dB", before.L.DB, after.L.DB, target.L.DB)
			checkApproach(t, "R dB", before.R.DB, after.R.DB, target.R.DB)
		}
	}
}

func checkApproach(t *testing.T, name string, before, after, target float64) {
	t.Helper()
	if before == target {
		return
	}
	if math.Abs(after-target) >= math.Abs(before-target) {
		t.Fatalf("%s: gap did not shrink (%v -> %v, target %v)", name, before, after, target)
	}
	if (before-target)*(after-target) < 0 {
		t.Fatalf("%s: overshoot (%v -> %v, target %v)", name, before, after, target)
	}
}

func TestDecaySettlesToFloor(t *testing.T) {
	e := NewEngine(DefaultDecay)
	e.SetPeaks(1.0, 1.0)
	for i := 0; i < 200; i++ {
		e.Tick()
	}

	e.SetPeaks(0, 0)
	ticks := 0
	for e.Current() != Silent {
		e.Tick()
		ticks++
		if ticks > 30 {
			t.Fatalf("meter did not settle within 30 ticks: %+v", e.Current())
		}
	}

	// Constant target keeps the reading exactly stable
	e.Tick()
	if e.Current() != Silent {
		t.Errorf("expected stable silent reading, got %+v", e.Current())
	}
}

func TestNewEngineDecayFallback(t *testing.T) {
	for _, decay := range []float64{0, -1, 1.5} {
		if e := NewEngine(decay); e.decay != DefaultDecay {
			t.Errorf("decay %v: expected fallback to %v, got %v", decay, DefaultDecay, e.decay)
		}
	}
}

func TestClipping(t *testing.T) {
	if !(Level{Percent: 96}).Clipping() {
		t.Error("expected 96% to render as clipping")
	}
	if (Level{Percent: 95}).Clipping() {
		t.Error("expected 95% to render as normal")
	}
}

func TestToDBNonFinite(t *testing.T) {
	if db := ToDB(math.NaN()); db != FloorDB {
		t.Errorf("expected NaN peak at the floor, got %v", db)
	}
	db := ToDB(math.Inf(1))
	if math.IsInf(db, 0) || math.IsNaN(db) || db <= 0 {
		t.Errorf("expected +Inf peak to read as a finite clipping level, got %v", db)
	}
}

func TestInfinitePeakRecovers(t *testing.T) {
	e := NewEngine(DefaultDecay)
	e.SetPeaks(float32(math.Inf(1)), 0.5)
	e.Tick()

	if db := e.Current().L.DB; math.IsNaN(db) || math.IsInf(db, 0) {
		t.Fatalf("expected finite dB after an infinite peak, got %v", db)
	}

	e.SetPeaks(0.5, 0.5)
	for i := 0; i < 200; i++ {
		e.Tick()
	}

	want := ToDB(0.5)
	for _, l := range []Level{e.Current().L, e.Current().R} {
		if math.IsNaN(l.DB) || math.Abs(l.DB-want) > 1e-6 {
			t.Errorf("expected dB to converge to %v, got %v", want, l.DB)
		}
		if math.Abs(l.Percent-DBToPercent(want)) > 1e-6 {
			t.Errorf("expected percent to converge to %v, got %v", DBToPercent(want), l.Percent)
		}
	}
}

func TestTickRepairsNonFiniteReading(t *testing.T) {
	e := NewEngine(DefaultDecay)
	e.SetPeaks(0.5, 0.5)
	e.current.L.DB = math.NaN()
	e.current.R.Percent = math.Inf(-1)

	e.Tick()

	if got := e.Current().L.DB; got != ToDB(0.5) {
		t.Errorf("expected NaN reading reset to target, got %v", got)
	}
	if got := e.Current().R.Percent; got != DBToPercent(ToDB(0.5)) {
		t.Errorf("expected infinite reading reset to target, got %v", got)
	}
}
