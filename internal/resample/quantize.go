package resample

import "math"

// Quantize converts float samples in [-1, 1] to signed 16-bit PCM by linear
// scaling with clipping. It writes min(len(dst), len(src)) samples and
// returns that count.
func Quantize(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i, v := range src[:n] {
		s := math.Round(float64(v) * 32768)
		switch {
		case math.IsNaN(s):
			dst[i] = 0
		case s >= math.MaxInt16:
			dst[i] = math.MaxInt16
		case s <= math.MinInt16:
			dst[i] = math.MinInt16
		default:
			dst[i] = int16(s)
		}
	}
	return n
}
