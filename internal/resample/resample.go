// Package resample converts interleaved float32 capture frames to the output
// sample rate with a ratio that may change on every call.
//
// The conversion math lives behind the Converter interface. Converters are
// registered by name; the Engine owns one Converter at a time and recreates it
// whenever the stream layout changes.
package resample

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownConverter is returned when no converter is registered under
	// the requested name.
	ErrUnknownConverter = errors.New("unknown converter")

	// ErrNotConfigured is returned by Convert before Configure succeeds.
	ErrNotConfigured = errors.New("resample engine not configured")

	// ErrInvalidRatio is returned for non-positive or non-finite ratios.
	ErrInvalidRatio = errors.New("invalid resample ratio")
)

// Spec describes the stream a Converter is built for.
type Spec struct {
	Channels   int
	InputRate  int
	OutputRate int
	// Quality is a converter-specific hint ("quick", "low", "medium", "high").
	Quality string
}

// NominalRatio returns OutputRate / InputRate, or 1 when either is unset.
func (s Spec) NominalRatio() float64 {
	if s.InputRate <= 0 || s.OutputRate <= 0 {
		return 1
	}
	return float64(s.OutputRate) / float64(s.InputRate)
}

// Converter is a streaming sample-rate conversion primitive.
//
// Process reads interleaved frames from in and writes at most len(out)
// interleaved frames to out at the given output/input ratio. It reports how
// many frames it generated and how many input frames it consumed; consumed
// may be smaller than the input supplied and the caller must resubmit the
// remainder.
type Converter interface {
	Process(in, out []float32, ratio float64) (generated, consumed int, err error)
	// Reset clears filter history without reconfiguring.
	Reset()
	Close() error
}

// Buffered is implemented by converters that report input as consumed before
// they have produced all of its output.
type Buffered interface {
	// Pending returns the held-back input, in input frames. It may be
	// fractional when the converter buffers at an intermediate rate.
	Pending() float64
}

// Factory builds a Converter for a stream.
type Factory func(spec Spec) (Converter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a converter available by name. It panics on duplicates, as
// registration happens from init functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("resample: duplicate converter " + name)
	}
	registry[name] = f
}

// Converters returns the registered converter names in sorted order.
func Converters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConverter, name)
	}
	return f, nil
}
