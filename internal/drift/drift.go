// Package drift estimates the rate mismatch between the capture device clock
// and the consumer's playback clock.
//
// The consumer reports how many frames it actually took on every pull. Once
// per measurement window the observed consumption rate is divided by the
// nominal output rate; the result is a multiplier applied to the resample
// ratio so that produced output tracks what is actually consumed.
package drift

import (
	"sync"
	"time"

	"github.com/petems/micbridge/internal/clock"
)

const (
	// DefaultWindow is the measurement window length.
	DefaultWindow = time.Second

	// DefaultMinAdjustment and DefaultMaxAdjustment bound a single window's
	// estimate. A stalled or bursting consumer must not collapse the ratio.
	DefaultMinAdjustment = 0.5
	DefaultMaxAdjustment = 2.0
)

// Compensator tracks consumer throughput over rolling windows.
// It is safe for concurrent use.
type Compensator struct {
	clock  clock.Clock
	window time.Duration
	min    float64
	max    float64

	mu          sync.Mutex
	nominalRate float64
	seeded      bool
	windowStart time.Time
	frames      int64
	adjustment  float64
	windows     int64
	lastRate    float64
}

// Option configures a Compensator.
type Option func(*Compensator)

// WithClock sets the timing source. Defaults to clock.System().
func WithClock(c clock.Clock) Option {
	return func(d *Compensator) {
		d.clock = c
	}
}

// WithWindow sets the measurement window length.
func WithWindow(w time.Duration) Option {
	return func(d *Compensator) {
		if w > 0 {
			d.window = w
		}
	}
}

// WithBounds limits the adjustment to [min, max].
func WithBounds(min, max float64) Option {
	return func(d *Compensator) {
		if min > 0 && max >= min {
			d.min = min
			d.max = max
		}
	}
}

// New returns a Compensator for the given nominal output rate in Hz.
func New(nominalRate int, opts ...Option) *Compensator {
	d := &Compensator{
		clock:       clock.System(),
		window:      DefaultWindow,
		min:         DefaultMinAdjustment,
		max:         DefaultMaxAdjustment,
		nominalRate: float64(nominalRate),
		adjustment:  1.0,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe records that the consumer pulled frames and closes the current
// window if it has run for at least the window length.
func (d *Compensator) Observe(frames int) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.seeded {
		d.seeded = true
		d.windowStart = now
		d.frames = 0
		return
	}

	if frames > 0 {
		d.frames += int64(frames)
	}

	elapsed := now.Sub(d.windowStart)
	if elapsed < d.window {
		return
	}

	if d.frames > 0 && elapsed > 0 && d.nominalRate > 0 {
		rate := float64(d.frames) / elapsed.Seconds()
		d.lastRate = rate
		d.adjustment = clamp(rate/d.nominalRate, d.min, d.max)
		d.windows++
	}

	d.windowStart = now
	d.frames = 0
}

// Adjustment returns the current multiplier for the resample ratio.
func (d *Compensator) Adjustment() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adjustment
}

// SetNominalRate changes the nominal output rate and restarts measurement.
func (d *Compensator) SetNominalRate(rate int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nominalRate = float64(rate)
	d.seeded = false
	d.frames = 0
}

// Reset discards all measurements and returns the adjustment to 1.0.
func (d *Compensator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeded = false
	d.frames = 0
	d.adjustment = 1.0
	d.lastRate = 0
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Adjustment   float64
	ObservedRate float64
	NominalRate  float64
	Windows      int64
}

// Snapshot returns the current measurement state.
func (d *Compensator) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Adjustment:   d.adjustment,
		ObservedRate: d.lastRate,
		NominalRate:  d.nominalRate,
		Windows:      d.windows,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
