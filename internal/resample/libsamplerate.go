//go:build cgo && libsamplerate

package resample

/*
#cgo pkg-config: samplerate
#include <stdlib.h>
#include <samplerate.h>
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"
)

// LibsamplerateName is the libsamplerate converter, available when built
// with the libsamplerate tag.
const LibsamplerateName = "libsamplerate"

func init() {
	Register(LibsamplerateName, newLibsamplerate)
}

// libsamplerate keeps C-allocated staging buffers so that no Go pointers are
// handed to the library.
type libsamplerate struct {
	state *C.SRC_STATE
	ch    int

	cin     *C.float
	cinLen  int
	cout    *C.float
	coutLen int
}

func newLibsamplerate(spec Spec) (Converter, error) {
	var cerr C.int
	state := C.src_new(C.int(converterType(spec.Quality)), C.int(spec.Channels), &cerr)
	if state == nil {
		return nil, fmt.Errorf("failed to create libsamplerate state: %s", C.GoString(C.src_strerror(cerr)))
	}
	return &libsamplerate{state: state, ch: spec.Channels}, nil
}

func (l *libsamplerate) Process(in, out []float32, ratio float64) (int, int, error) {
	if l.state == nil {
		return 0, 0, fmt.Errorf("libsamplerate state closed")
	}
	if C.src_is_valid_ratio(C.double(ratio)) == 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}
	if len(in) == 0 {
		return 0, 0, nil
	}

	l.cin = ensure(l.cin, &l.cinLen, len(in))
	l.cout = ensure(l.cout, &l.coutLen, len(out))

	cin := unsafe.Slice(l.cin, len(in))
	for i, v := range in {
		cin[i] = C.float(v)
	}

	var data C.SRC_DATA
	data.data_in = l.cin
	data.input_frames = C.long(len(in) / l.ch)
	data.data_out = l.cout
	data.output_frames = C.long(len(out) / l.ch)
	data.src_ratio = C.double(ratio)
	data.end_of_input = 0

	if rc := C.src_process(l.state, &data); rc != 0 {
		return 0, 0, fmt.Errorf("src_process: %s", C.GoString(C.src_strerror(rc)))
	}

	generated := int(data.output_frames_gen)
	cout := unsafe.Slice(l.cout, generated*l.ch)
	for i, v := range cout {
		out[i] = float32(v)
	}
	return generated, int(data.input_frames_used), nil
}

func (l *libsamplerate) Reset() {
	if l.state != nil {
		C.src_reset(l.state)
	}
}

func (l *libsamplerate) Close() error {
	if l.state != nil {
		C.src_delete(l.state)
		l.state = nil
	}
	if l.cin != nil {
		C.free(unsafe.Pointer(l.cin))
		l.cin, l.cinLen = nil, 0
	}
	if l.cout != nil {
		C.free(unsafe.Pointer(l.cout))
		l.cout, l.coutLen = nil, 0
	}
	return nil
}

func ensure(buf *C.float, length *int, want int) *C.float {
	if buf != nil && *length >= want {
		return buf
	}
	if buf != nil {
		C.free(unsafe.Pointer(buf))
	}
	*length = want
	return (*C.float)(C.malloc(C.size_t(want) * C.size_t(unsafe.Sizeof(C.float(0)))))
}

func converterType(q string) int {
	switch strings.ToLower(q) {
	case "high", "veryhigh", "very_high":
		return C.SRC_SINC_BEST_QUALITY
	case "medium":
		return C.SRC_SINC_MEDIUM_QUALITY
	case "quick":
		return C.SRC_LINEAR
	default:
		return C.SRC_SINC_FASTEST
	}
}
