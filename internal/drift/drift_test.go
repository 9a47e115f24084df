package drift

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/micbridge/internal/clock"
)

func newTestCompensator(rate int, opts ...Option) (*Compensator, *clock.Fake) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	opts = append([]Option{WithClock(fake)}, opts...)
	return New(rate, opts...), fake
}

// pull simulates a consumer taking framesPerPull every interval for the
// given duration, returning the adjustment after each closed window.
func pull(d *Compensator, fake *clock.Fake, interval time.Duration, framesPerPull int, total time.Duration) []float64 {
	var adjustments []float64
	windows := d.Snapshot().Windows
	for elapsed := time.Duration(0); elapsed < total; elapsed += interval {
		fake.Advance(interval)
		d.Observe(framesPerPull)
		if s := d.Snapshot(); s.Windows != windows {
			windows = s.Windows
			adjustments = append(adjustments, s.Adjustment)
		}
	}
	return adjustments
}

func TestFirstObservationSeedsWithoutAdjusting(t *testing.T) {
	d, fake := newTestCompensator(48000)

	fake.Advance(5 * time.Second)
	d.Observe(100000)

	assert.Equal(t, 1.0, d.Adjustment())
	assert.Equal(t, int64(0), d.Snapshot().Windows)
}

func TestSteadyConsumptionConvergesToUnity(t *testing.T) {
	d, fake := newTestCompensator(48000)
	d.Observe(0)

	adjustments := pull(d, fake, 10*time.Millisecond, 480, 5*time.Second)

	require.GreaterOrEqual(t, len(adjustments), 4)
	for _, a := range adjustments {
		assert.InDelta(t, 1.0, a, 1e-9)
	}
}

func TestJitteredConsumptionStaysNearUnity(t *testing.T) {
	d, fake := newTestCompensator(48000)
	d.Observe(0)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		ms := 5 + rng.Intn(11)
		fake.Advance(time.Duration(ms) * time.Millisecond)
		d.Observe(48 * ms)
	}

	s := d.Snapshot()
	require.Greater(t, s.Windows, int64(5))
	assert.InDelta(t, 1.0, s.Adjustment, 1e-6)
	assert.InDelta(t, 48000, s.ObservedRate, 0.1)
}

func TestFasterConsumerMovesTowardCompensation(t *testing.T) {
	d, fake := newTestCompensator(48000)
	d.Observe(0)

	// 5% faster than nominal for ten windows.
	adjustments := pull(d, fake, 10*time.Millisecond, 504, 10*time.Second)
	require.GreaterOrEqual(t, len(adjustments), 9)

	prev := math.Inf(1)
	for i, a := range adjustments {
		dist := math.Abs(a - 1.05)
		assert.LessOrEqual(t, dist, prev+1e-12, "window %d moved away from the compensating value", i)
		prev = dist
	}
	assert.InDelta(t, 1.05, adjustments[len(adjustments)-1], 1e-6)
}

func TestIdleWindowKeepsPreviousAdjustment(t *testing.T) {
	d, fake := newTestCompensator(48000)
	d.Observe(0)
	pull(d, fake, 10*time.Millisecond, 504, time.Second)
	before := d.Adjustment()
	require.InDelta(t, 1.05, before, 1e-6)

	for i := 0; i < 30; i++ {
		fake.Advance(100 * time.Millisecond)
		d.Observe(0)
	}

	assert.Equal(t, before, d.Adjustment())
}

func TestFrozenClockNeverAdjusts(t *testing.T) {
	d, _ := newTestCompensator(48000)
	d.Observe(0)
	for i := 0; i < 100; i++ {
		d.Observe(480)
	}
	assert.Equal(t, 1.0, d.Adjustment())
}

func TestAdjustmentIsClamped(t *testing.T) {
	d, fake := newTestCompensator(48000, WithBounds(0.9, 1.1))
	d.Observe(0)

	fake.Advance(time.Second)
	d.Observe(96000)
	assert.Equal(t, 1.1, d.Adjustment())

	fake.Advance(time.Second)
	d.Observe(1)
	assert.Equal(t, 0.9, d.Adjustment())
}

func TestCustomWindow(t *testing.T) {
	d, fake := newTestCompensator(48000, WithWindow(250*time.Millisecond))
	d.Observe(0)

	adjustments := pull(d, fake, 10*time.Millisecond, 528, time.Second)
	assert.Len(t, adjustments, 4)
	assert.InDelta(t, 1.1, d.Adjustment(), 1e-6)
}

func TestResetAndNominalRate(t *testing.T) {
	d, fake := newTestCompensator(48000)
	d.Observe(0)
	pull(d, fake, 10*time.Millisecond, 504, 1100*time.Millisecond)
	require.NotEqual(t, 1.0, d.Adjustment())

	d.Reset()
	assert.Equal(t, 1.0, d.Adjustment())

	d.SetNominalRate(44100)
	d.Observe(0)
	pull(d, fake, 10*time.Millisecond, 441, 1100*time.Millisecond)
	assert.InDelta(t, 1.0, d.Adjustment(), 1e-9)
	assert.Equal(t, 44100.0, d.Snapshot().NominalRate)
}
