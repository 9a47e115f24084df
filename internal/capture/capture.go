package capture

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/rs/zerolog"

	"github.com/petems/micbridge/internal/config"
)

var (
	// ErrDeviceInvalidated is returned when the capture device went away.
	// The session must be closed and reopened.
	ErrDeviceInvalidated = errors.New("capture device invalidated")
	// ErrUnsupportedFormat is returned by ValidateFormat.
	ErrUnsupportedFormat = errors.New("unsupported capture format")
	ErrDeviceNotFound    = errors.New("capture device not found")
	ErrNotOpen           = errors.New("capture session not open")
)

// MaxChannels is the largest channel count a session may carry.
const MaxChannels = 8

// Backend is a platform capture session. All methods are called from a
// single goroutine. Open and Close may be repeated to reacquire a device;
// Shutdown releases the audio library for good.
type Backend interface {
	Open() error
	Start() error
	Stop() error
	MixFormat() (Format, error)
	// PollNextBlockSize returns the frame count of the next block, or 0 when
	// nothing is ready yet.
	PollNextBlockSize() (int, error)
	// ReadBlock returns the next block. Samples stay valid until ReleaseBlock.
	ReadBlock() (Block, error)
	ReleaseBlock() error
	Close() error
	Shutdown() error
	DeviceName() string
}

// Enumerator is implemented by backends that can list input devices.
type Enumerator interface {
	ListDevices() ([]AudioDevice, error)
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatFloat32
	FormatInt16
)

func (f SampleFormat) String() string {
	switch f {
	case FormatFloat32:
		return "f32"
	case FormatInt16:
		return "s16"
	default:
		return "unknown"
	}
}

// Speaker position bits, as used by WAVEFORMATEXTENSIBLE.
const (
	SpeakerFrontLeft    uint32 = 0x1
	SpeakerFrontRight   uint32 = 0x2
	SpeakerFrontCenter  uint32 = 0x4
	SpeakerLowFrequency uint32 = 0x8
	SpeakerBackLeft     uint32 = 0x10
	SpeakerBackRight    uint32 = 0x20
	SpeakerSideLeft     uint32 = 0x200
	SpeakerSideRight    uint32 = 0x400
)

// Supported channel layouts. A zero mask means unspecified.
const (
	MaskMono    = SpeakerFrontCenter
	MaskStereo  = SpeakerFrontLeft | SpeakerFrontRight
	Mask2Point1 = MaskStereo | SpeakerLowFrequency
	MaskQuad    = MaskStereo | SpeakerBackLeft | SpeakerBackRight
	Mask5Point1 = MaskQuad | SpeakerFrontCenter | SpeakerLowFrequency
	Mask7Point1 = MaskStereo | SpeakerFrontCenter | SpeakerLowFrequency |
		SpeakerBackLeft | SpeakerBackRight | SpeakerSideLeft | SpeakerSideRight
)

var supportedMasks = []uint32{MaskMono, MaskStereo, Mask2Point1, MaskQuad, Mask5Point1, Mask7Point1}

// Format describes the samples a session delivers.
type Format struct {
	Channels     int
	SampleRate   int
	SampleFormat SampleFormat
	ChannelMask  uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dch %dHz mask=%#x", f.SampleFormat, f.Channels, f.SampleRate, f.ChannelMask)
}

// Block is one chunk of interleaved samples.
type Block struct {
	Samples []float32
	Frames  int
	// Silent blocks carry no samples; the frames are zeros.
	Silent bool
}

// ValidateFormat accepts interleaved float32 PCM with 1..MaxChannels channels
// and either no channel mask or a known layout matching the channel count.
func ValidateFormat(f Format) error {
	if f.SampleFormat != FormatFloat32 {
		return fmt.Errorf("%w: sample format %s", ErrUnsupportedFormat, f.SampleFormat)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.ChannelMask == 0 {
		return nil
	}
	if bits.OnesCount32(f.ChannelMask) != f.Channels {
		return fmt.Errorf("%w: mask %#x does not describe %d channels", ErrUnsupportedFormat, f.ChannelMask, f.Channels)
	}
	for _, m := range supportedMasks {
		if f.ChannelMask == m {
			return nil
		}
	}
	return fmt.Errorf("%w: channel mask %#x", ErrUnsupportedFormat, f.ChannelMask)
}

// DefaultMask returns the layout assumed for a channel count, or 0.
func DefaultMask(channels int) uint32 {
	switch channels {
	case 1:
		return MaskMono
	case 2:
		return MaskStereo
	case 3:
		return Mask2Point1
	case 4:
		return MaskQuad
	case 6:
		return Mask5Point1
	case 8:
		return Mask7Point1
	default:
		return 0
	}
}

// New creates the backend named by cfg.Backend.
func New(cfg config.AudioConfig, log zerolog.Logger) (Backend, error) {
	log = log.With().Str("component", "capture").Str("backend", cfg.Backend).Logger()
	switch cfg.Backend {
	case "", "portaudio":
		return NewPortAudio(cfg, log)
	case "malgo":
		return NewMalgo(cfg, log)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}
