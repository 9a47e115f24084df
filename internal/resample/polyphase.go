package resample

import (
	"fmt"
	"strings"

	resampler "github.com/tphakala/go-audio-resampler"

	"github.com/petems/micbridge/internal/queue"
)

// PolyphaseName is the default converter: a fixed-ratio polyphase FIR stage
// at the nominal rate ratio, followed by linear interpolation that applies
// whatever remains of the requested ratio (the drift correction).
const PolyphaseName = "polyphase"

func init() {
	Register(PolyphaseName, newPolyphase)
}

type polyphase struct {
	ch      int
	nominal float64
	fir     resampler.Resampler // nil when the nominal ratio is 1

	planar  [][]float64
	staged  []float32
	pending *queue.Queue[float32]
	fine    *linear
}

func newPolyphase(spec Spec) (Converter, error) {
	p := &polyphase{
		ch:      spec.Channels,
		nominal: spec.NominalRatio(),
		pending: queue.New[float32](),
		fine:    newLinear(spec.Channels),
	}

	if spec.InputRate > 0 && spec.OutputRate > 0 && spec.InputRate != spec.OutputRate {
		fir, err := resampler.New(&resampler.Config{
			InputRate:  float64(spec.InputRate),
			OutputRate: float64(spec.OutputRate),
			Channels:   spec.Channels,
			Quality:    resampler.QualitySpec{Preset: qualityPreset(spec.Quality)},
			EnableSIMD: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create polyphase stage %d->%d Hz: %w",
				spec.InputRate, spec.OutputRate, err)
		}
		p.fir = fir
		p.planar = make([][]float64, spec.Channels)
	}
	return p, nil
}

// Process always consumes all input; frames the fine stage cannot emit yet
// stay in the pending queue and are reported by Pending.
func (p *polyphase) Process(in, out []float32, ratio float64) (int, int, error) {
	ch := p.ch
	frames := len(in) / ch

	switch {
	case frames == 0:
	case p.fir == nil:
		if err := p.pending.Append(in[:frames*ch]); err != nil {
			return 0, 0, err
		}
	default:
		if err := p.stage(in[:frames*ch], frames); err != nil {
			return 0, 0, err
		}
	}

	generated, used, err := p.fine.Process(p.pending.Data(), out, ratio/p.nominal)
	if err != nil {
		return 0, 0, err
	}
	p.pending.RemoveFront(used * ch)
	return generated, frames, nil
}

func (p *polyphase) stage(in []float32, frames int) error {
	ch := p.ch
	for c := range p.planar {
		if cap(p.planar[c]) < frames {
			p.planar[c] = make([]float64, frames)
		}
		p.planar[c] = p.planar[c][:frames]
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < ch; c++ {
			p.planar[c][f] = float64(in[f*ch+c])
		}
	}

	res, err := p.fir.ProcessMulti(p.planar)
	if err != nil {
		return fmt.Errorf("polyphase stage: %w", err)
	}

	produced := len(res[0])
	for _, r := range res[1:] {
		produced = min(produced, len(r))
	}
	if produced == 0 {
		return nil
	}

	if cap(p.staged) < produced*ch {
		p.staged = make([]float32, produced*ch)
	}
	p.staged = p.staged[:produced*ch]
	for f := 0; f < produced; f++ {
		for c := 0; c < ch; c++ {
			p.staged[f*ch+c] = float32(res[c][f])
		}
	}
	return p.pending.Append(p.staged)
}

func (p *polyphase) Reset() {
	if p.fir != nil {
		p.fir.Reset()
	}
	p.pending.Reset()
	p.fine.Reset()
}

// Pending converts the staged backlog back to input frames.
func (p *polyphase) Pending() float64 {
	return float64(p.pending.Size()/p.ch) / p.nominal
}

func (p *polyphase) Close() error {
	p.pending.Reset()
	p.fir = nil
	p.planar = nil
	p.staged = nil
	return nil
}

func qualityPreset(q string) resampler.QualityPreset {
	switch strings.ToLower(q) {
	case "quick":
		return resampler.QualityQuick
	case "medium":
		return resampler.QualityMedium
	case "high":
		return resampler.QualityHigh
	case "veryhigh", "very_high":
		return resampler.QualityVeryHigh
	default:
		return resampler.QualityLow
	}
}
