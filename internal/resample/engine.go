package resample

import (
	"fmt"
	"math"
)

// Engine drives a Converter for the capture worker. It is owned by a single
// goroutine and is not safe for concurrent use.
type Engine struct {
	name   string
	spec   Spec
	bypass bool
	conv   Converter
}

// NewEngine returns an unconfigured engine that resamples with the named
// converter.
func NewEngine(name string) (*Engine, error) {
	if _, err := lookup(name); err != nil {
		return nil, err
	}
	return &Engine{name: name}, nil
}

// Configure (re)creates the converter for spec, discarding any conversion
// history. With bypass set the identity converter is used and the ratio
// passed to Convert is ignored.
func (e *Engine) Configure(spec Spec, bypass bool) error {
	if spec.Channels < 1 {
		return fmt.Errorf("invalid channel count %d", spec.Channels)
	}

	name := e.name
	if bypass {
		name = IdentityName
	}
	factory, err := lookup(name)
	if err != nil {
		return err
	}
	conv, err := factory(spec)
	if err != nil {
		return fmt.Errorf("failed to create %s converter: %w", name, err)
	}

	if e.conv != nil {
		_ = e.conv.Close()
	}
	e.conv = conv
	e.spec = spec
	e.bypass = bypass
	return nil
}

// Reset clears the converter's filter history.
func (e *Engine) Reset() {
	if e.conv != nil {
		e.conv.Reset()
	}
}

// Convert resamples the interleaved frames in into out. Trailing samples that
// do not form a whole frame are ignored. in may be empty when the converter
// still holds buffered input.
func (e *Engine) Convert(in, out []float32, ratio float64) (generated, consumed int, err error) {
	if e.conv == nil {
		return 0, 0, ErrNotConfigured
	}
	if e.bypass {
		ratio = 1
	}
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}

	ch := e.spec.Channels
	inFrames := len(in) / ch
	outFrames := len(out) / ch
	if outFrames == 0 || (inFrames == 0 && e.Pending() == 0) {
		return 0, 0, nil
	}

	generated, consumed, err = e.conv.Process(in[:inFrames*ch], out[:outFrames*ch], ratio)
	if err != nil {
		return 0, 0, err
	}
	if generated < 0 || generated > outFrames || consumed < 0 || consumed > inFrames {
		return 0, 0, fmt.Errorf("converter %s reported %d generated / %d consumed for %d in / %d out",
			e.name, generated, consumed, inFrames, outFrames)
	}
	return generated, consumed, nil
}

// Pending returns the input the converter has taken but not yet turned into
// output, in input frames. Callers size their output for it as well as for
// the input they still hold.
func (e *Engine) Pending() float64 {
	if b, ok := e.conv.(Buffered); ok {
		return b.Pending()
	}
	return 0
}

// Spec returns the stream the engine is configured for.
func (e *Engine) Spec() Spec {
	return e.spec
}

// Bypassed reports whether the engine is passing frames through unchanged.
func (e *Engine) Bypassed() bool {
	return e.bypass
}

// Name returns the converter used when resampling.
func (e *Engine) Name() string {
	return e.name
}

// Close releases the converter.
func (e *Engine) Close() error {
	if e.conv == nil {
		return nil
	}
	err := e.conv.Close()
	e.conv = nil
	return err
}
