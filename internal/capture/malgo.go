package capture

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"github.com/petems/micbridge/internal/config"
)

const bytesPerSample = 4

// malgoCapture bridges miniaudio's data callback to the polling Backend
// contract through a byte ring buffer holding one second of audio.
type malgoCapture struct {
	cfg config.AudioConfig
	log zerolog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	name   string
	format Format

	ring    *ringbuffer.RingBuffer
	raw     []byte
	samples []float32
	pending int // frames promised by the last poll

	// stopping is set while we stop the device ourselves; any other stop
	// notification means the device was lost.
	stopping    atomic.Bool
	invalidated atomic.Bool
	overruns    atomic.Uint64
}

// NewMalgo creates a capture backend on top of miniaudio.
func NewMalgo(cfg config.AudioConfig, log zerolog.Logger) (Backend, error) {
	ctx, err := malgo.InitContext(malgoBackends(), malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("source", "miniaudio").Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	return &malgoCapture{cfg: cfg, log: log, ctx: ctx}, nil
}

func (m *malgoCapture) Open() error {
	if m.device != nil {
		return nil
	}

	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	info, err := selectMalgoDevice(infos, m.cfg.DeviceID)
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(max(m.cfg.Channels, 0))
	deviceConfig.Capture.DeviceID = info.ID.Pointer()
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.cfg.BufferingMS)
	deviceConfig.Alsa.NoMMap = 1

	m.invalidated.Store(false)
	m.stopping.Store(true)
	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: m.onData,
		Stop: m.onStop,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize device %q: %w", info.Name(), err)
	}

	channels := int(device.CaptureChannels())
	rate := int(device.SampleRate())
	m.format = Format{
		Channels:     channels,
		SampleRate:   rate,
		SampleFormat: malgoSampleFormat(device.CaptureFormat()),
		ChannelMask:  DefaultMask(channels),
	}
	m.ring = ringbuffer.New(max(rate*channels*bytesPerSample, 1))
	m.device = device
	m.name = info.Name()
	m.pending = 0

	m.log.Debug().
		Str("device", m.name).
		Str("format", m.format.String()).
		Msg("malgo device opened")
	return nil
}

func (m *malgoCapture) Start() error {
	if m.device == nil {
		return ErrNotOpen
	}
	m.stopping.Store(false)
	if err := m.device.Start(); err != nil {
		m.stopping.Store(true)
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (m *malgoCapture) Stop() error {
	if m.device == nil {
		return nil
	}
	m.stopping.Store(true)
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	m.ring.Reset()
	m.pending = 0
	return nil
}

func (m *malgoCapture) MixFormat() (Format, error) {
	if m.device == nil {
		return Format{}, ErrNotOpen
	}
	return m.format, nil
}

func (m *malgoCapture) PollNextBlockSize() (int, error) {
	if m.device == nil {
		return 0, ErrNotOpen
	}
	if m.invalidated.Load() {
		return 0, ErrDeviceInvalidated
	}
	frameBytes := m.format.Channels * bytesPerSample
	m.pending = m.ring.Length() / frameBytes
	return m.pending, nil
}

func (m *malgoCapture) ReadBlock() (Block, error) {
	if m.device == nil {
		return Block{}, ErrNotOpen
	}
	if m.pending == 0 {
		return Block{}, nil
	}

	n := m.pending * m.format.Channels * bytesPerSample
	if cap(m.raw) < n {
		m.raw = make([]byte, n)
	}
	m.raw = m.raw[:n]
	read, err := m.ring.Read(m.raw)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return Block{}, fmt.Errorf("failed to read capture ring: %w", err)
	}

	frames := read / (m.format.Channels * bytesPerSample)
	if cap(m.samples) < frames*m.format.Channels {
		m.samples = make([]float32, frames*m.format.Channels)
	}
	m.samples = m.samples[:frames*m.format.Channels]
	decodeFloat32LE(m.samples, m.raw[:read])
	return Block{Samples: m.samples, Frames: frames}, nil
}

func (m *malgoCapture) ReleaseBlock() error {
	m.pending = 0
	return nil
}

func (m *malgoCapture) Close() error {
	if m.device == nil {
		return nil
	}
	m.stopping.Store(true)
	m.device.Uninit()
	m.device = nil
	m.name = ""
	if dropped := m.overruns.Swap(0); dropped > 0 {
		m.log.Warn().Uint64("bytes", dropped).Msg("Capture ring overflowed")
	}
	return nil
}

func (m *malgoCapture) Shutdown() error {
	_ = m.Close()
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("failed to release malgo context: %w", err)
	}
	return nil
}

func (m *malgoCapture) DeviceName() string {
	return m.name
}

func (m *malgoCapture) ListDevices() ([]AudioDevice, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	result := make([]AudioDevice, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		result = append(result, AudioDevice{
			ID:      decodeDeviceID(infos[i].ID.String()),
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault == 1,
		})
	}
	return result, nil
}

// onData runs on the audio thread.
func (m *malgoCapture) onData(_, pSamples []byte, _ uint32) {
	n, err := m.ring.Write(pSamples)
	if err != nil {
		m.overruns.Add(uint64(len(pSamples) - n))
	}
}

func (m *malgoCapture) onStop() {
	if !m.stopping.Load() {
		m.invalidated.Store(true)
	}
}

func selectMalgoDevice(infos []malgo.DeviceInfo, deviceID string) (*malgo.DeviceInfo, error) {
	if deviceID == "" || deviceID == "default" {
		for i := range infos {
			if infos[i].IsDefault == 1 {
				return &infos[i], nil
			}
		}
		if len(infos) > 0 {
			return &infos[0], nil
		}
		return nil, fmt.Errorf("%w: no capture devices", ErrDeviceNotFound)
	}
	for i := range infos {
		if infos[i].Name() == deviceID || decodeDeviceID(infos[i].ID.String()) == deviceID {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// decodeDeviceID turns miniaudio's hex-encoded ID into the readable form
// backends such as ALSA use (e.g. "hw:1,0").
func decodeDeviceID(id string) string {
	b, err := hex.DecodeString(id)
	if err != nil {
		return id
	}
	return strings.TrimRight(string(b), "\x00")
}

func decodeFloat32LE(dst []float32, src []byte) int {
	n := min(len(dst), len(src)/bytesPerSample)
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*bytesPerSample:]))
	}
	return n
}

func malgoSampleFormat(f malgo.FormatType) SampleFormat {
	switch f {
	case malgo.FormatF32:
		return FormatFloat32
	case malgo.FormatS16:
		return FormatInt16
	default:
		return FormatUnknown
	}
}

func malgoBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}
