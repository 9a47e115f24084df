package capture

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/petems/micbridge/internal/config"
)

type portAudioCapture struct {
	cfg config.AudioConfig
	log zerolog.Logger

	device *portaudio.DeviceInfo
	stream *portaudio.Stream
	format Format
	buffer []float32
	frames int // frames per block
}

// NewPortAudio creates a new PortAudio-based capture backend
func NewPortAudio(cfg config.AudioConfig, log zerolog.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioCapture{cfg: cfg, log: log}, nil
}

func (p *portAudioCapture) Open() error {
	if p.stream != nil {
		return nil
	}

	device, err := findPortAudioDevice(p.cfg.DeviceID)
	if err != nil {
		return err
	}

	channels := inputChannels(p.cfg.Channels, device.MaxInputChannels)
	rate := int(device.DefaultSampleRate)
	if channels < 1 || rate <= 0 {
		return fmt.Errorf("%w: device %q reports %d channels at %d Hz",
			ErrUnsupportedFormat, device.Name, device.MaxInputChannels, rate)
	}

	// One block is 10ms of audio; the device buffer follows the buffering setting.
	p.frames = max(rate/100, 1)
	p.buffer = make([]float32, p.frames*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  p.cfg.Buffering(),
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: p.frames,
	}, p.buffer)
	if err != nil {
		return wrapPortAudio("failed to open audio stream", err)
	}

	p.device = device
	p.stream = stream
	p.format = Format{
		Channels:     channels,
		SampleRate:   rate,
		SampleFormat: FormatFloat32,
		ChannelMask:  DefaultMask(channels),
	}
	p.log.Debug().
		Str("device", device.Name).
		Int("channels", channels).
		Int("rate", rate).
		Dur("latency", p.cfg.Buffering()).
		Msg("PortAudio stream opened")
	return nil
}

func (p *portAudioCapture) Start() error {
	if p.stream == nil {
		return ErrNotOpen
	}
	if err := p.stream.Start(); err != nil {
		return wrapPortAudio("failed to start audio stream", err)
	}
	return nil
}

func (p *portAudioCapture) Stop() error {
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return wrapPortAudio("failed to stop audio stream", err)
	}
	return nil
}

func (p *portAudioCapture) MixFormat() (Format, error) {
	if p.stream == nil {
		return Format{}, ErrNotOpen
	}
	return p.format, nil
}

// PollNextBlockSize reports a full block once the stream holds one, so that
// ReadBlock never blocks.
func (p *portAudioCapture) PollNextBlockSize() (int, error) {
	if p.stream == nil {
		return 0, ErrNotOpen
	}
	avail, err := p.stream.AvailableToRead()
	if err != nil {
		return 0, wrapPortAudio("failed to query stream", err)
	}
	if avail < p.frames {
		return 0, nil
	}
	return p.frames, nil
}

func (p *portAudioCapture) ReadBlock() (Block, error) {
	if p.stream == nil {
		return Block{}, ErrNotOpen
	}
	if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return Block{}, wrapPortAudio("failed to read audio stream", err)
	}
	return Block{Samples: p.buffer, Frames: p.frames}, nil
}

// ReleaseBlock is a no-op; the stream buffer is reused by the next read.
func (p *portAudioCapture) ReleaseBlock() error {
	return nil
}

func (p *portAudioCapture) Close() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	p.device = nil
	if err != nil && !invalidated(err) {
		return fmt.Errorf("failed to close audio stream: %w", err)
	}
	return nil
}

func (p *portAudioCapture) Shutdown() error {
	_ = p.Close()
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

func (p *portAudioCapture) DeviceName() string {
	if p.device == nil {
		return ""
	}
	return p.device.Name
}

func (p *portAudioCapture) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultName := ""
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defaultName = d.Name
	}

	result := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d.Name == defaultName,
			})
		}
	}

	return result, nil
}

func findPortAudioDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" || deviceID == "default" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, wrapPortAudio("failed to get default input device", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// inputChannels picks the channel count to open: the configured count when
// the device supports it, otherwise at most stereo.
func inputChannels(configured, deviceMax int) int {
	if deviceMax <= 0 {
		return 0
	}
	if configured > 0 {
		return min(configured, deviceMax, MaxChannels)
	}
	return min(deviceMax, 2)
}

// invalidated reports PortAudio errors that mean the device is gone.
func invalidated(err error) bool {
	return errors.Is(err, portaudio.DeviceUnavailable) ||
		errors.Is(err, portaudio.BadStreamPtr) ||
		errors.Is(err, portaudio.InternalError) ||
		errors.Is(err, portaudio.TimedOut)
}

func wrapPortAudio(msg string, err error) error {
	if invalidated(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrDeviceInvalidated, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
