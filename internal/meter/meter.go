// ABOUTME: Level meter engine
// ABOUTME: Converts linear peaks to dBFS/percent and smooths them per display tick
package meter

import "math"

const (
	// FloorDB is the lowest representable level
	FloorDB = -100.0

	// DisplayMinDB is the bottom of the bar display window
	DisplayMinDB = -60.0

	// DefaultDecay is the fraction of the remaining gap closed per tick (tuned for ~60 Hz)
	DefaultDecay = 0.25

	// PercentSnap and DBSnap stop asymptotic creep near the floor
	PercentSnap = 0.1
	DBSnap      = -99.0

	// ClipPercent is the bar level rendered as clipping
	ClipPercent = 95.0
)

// Level is one channel's meter reading in both display representations
type Level struct {
	Percent float64 // 0..100 bar width
	DB      float64 // dBFS, floor FloorDB
}

// Stereo holds left and right readings
type Stereo struct {
	L Level
	R Level
}

// Silent is the reading for no signal
var Silent = Stereo{
	L: Level{Percent: 0, DB: FloorDB},
	R: Level{Percent: 0, DB: FloorDB},
}

// ToDB converts a linear peak to dBFS. Non-positive peaks, NaN and results
// below the floor map to FloorDB; finite values above 1.0 are not clamped.
// +Inf reads as the loudest finite float32 peak.
func ToDB(peak float64) float64 {
	if peak <= 0 || math.IsNaN(peak) {
		return FloorDB
	}
	if math.IsInf(peak, 1) {
		peak = math.MaxFloat32
	}
	db := 20 * math.Log10(peak)
	if db < FloorDB {
		return FloorDB
	}
	return db
}

// DBToPercent maps dBFS onto the [-60, 0] display window, clamped to [0, 100]
func DBToPercent(db float64) float64 {
	pct := (db - DisplayMinDB) / -DisplayMinDB * 100
	return math.Min(math.Max(pct, 0), 100)
}

// LevelOf converts a linear peak into both representations
func LevelOf(peak float64) Level {
	db := ToDB(peak)
	return Level{Percent: DBToPercent(db), DB: db}
}

// Engine keeps the decoded target and the displayed current levels.
// SetPeaks only writes target; Tick only writes current.
type Engine struct {
	target  Stereo
	current Stereo
	decay   float64
	ticks   uint64
}

// NewEngine creates a meter engine; a decay outside (0, 1] uses DefaultDecay
func NewEngine(decay float64) *Engine {
	if decay <= 0 || decay > 1 {
		decay = DefaultDecay
	}
	return &Engine{
		target:  Silent,
		current: Silent,
		decay:   decay,
	}
}

// SetPeaks records the latest decoded linear peaks as the new target
func (e *Engine) SetPeaks(left, right float32) {
	e.target = Stereo{
		L: LevelOf(float64(left)),
		R: LevelOf(float64(right)),
	}
}

// Tick advances current toward target by one display frame
func (e *Engine) Tick() {
	e.current.L = e.step(e.current.L, e.target.L)
	e.current.R = e.step(e.current.R, e.target.R)
	e.ticks++
}

func (e *Engine) step(cur, target Level) Level {
	if math.IsNaN(cur.Percent) || math.IsInf(cur.Percent, 0) {
		cur.Percent = target.Percent
	}
	if math.IsNaN(cur.DB) || math.IsInf(cur.DB, 0) {
		cur.DB = target.DB
	}

	cur.Percent -= (cur.Percent - target.Percent) * e.decay
	cur.DB -= (cur.DB - target.DB) * e.decay

	if cur.Percent < PercentSnap {
		cur.Percent = 0
	}
	if cur.DB < DBSnap {
		cur.DB = FloorDB
	}
	return cur
}

// Current returns the smoothed, displayed levels
func (e *Engine) Current() Stereo {
	return e.current
}

// Target returns the most recently decoded levels
func (e *Engine) Target() Stereo {
	return e.target
}

// Ticks returns how many animation frames have run
func (e *Engine) Ticks() uint64 {
	return e.ticks
}

// Clipping reports whether a displayed level should render as clipping
func (l Level) Clipping() bool {
	return l.Percent > ClipPercent
}
