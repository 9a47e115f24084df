package resample

import "math"

// LinearName is the pure Go variable-ratio linear interpolator.
const LinearName = "linear"

func init() {
	Register(LinearName, func(spec Spec) (Converter, error) {
		return newLinear(spec.Channels), nil
	})
}

// linear interpolates between neighbouring input frames. It keeps the last
// consumed frame and the fractional read position across calls so that a
// stream split into arbitrary chunks produces the same output as one call.
type linear struct {
	ch     int
	prev   []float32
	primed bool
	// pos is the input position of the next output frame: -1 addresses prev,
	// 0 the first frame of the next input.
	pos float64
}

func newLinear(channels int) *linear {
	return &linear{
		ch:   channels,
		prev: make([]float32, channels),
	}
}

func (l *linear) Process(in, out []float32, ratio float64) (int, int, error) {
	ch := l.ch
	n := len(in) / ch
	capacity := len(out) / ch
	if n == 0 || capacity == 0 {
		return 0, 0, nil
	}
	if !l.primed {
		copy(l.prev, in[:ch])
		l.pos = 0
		l.primed = true
	}

	step := 1 / ratio
	generated := 0
	for generated < capacity {
		i := int(math.Floor(l.pos))
		if i+1 > n-1 {
			break
		}
		frac := float32(l.pos - float64(i))

		a := l.prev
		if i >= 0 {
			a = in[i*ch : i*ch+ch]
		}
		b := in[(i+1)*ch : (i+2)*ch]
		o := out[generated*ch : generated*ch+ch]
		for c := range o {
			o[c] = a[c] + (b[c]-a[c])*frac
		}

		generated++
		l.pos += step
	}

	consumed := n
	if i := int(math.Floor(l.pos)); i+1 <= n-1 {
		// Output is full; frames before i are no longer needed.
		consumed = max(i, 0)
	}
	if consumed > 0 {
		copy(l.prev, in[(consumed-1)*ch:consumed*ch])
		l.pos -= float64(consumed)
	}
	return generated, consumed, nil
}

func (l *linear) Reset() {
	l.primed = false
	l.pos = 0
	clear(l.prev)
}

func (l *linear) Close() error { return nil }
