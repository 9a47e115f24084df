package source

import (
	"sync"

	"github.com/petems/micbridge/internal/capture"
)

// fakeBackend is a scripted capture.Backend. Tests feed blocks and flip
// failure flags from the test goroutine while the worker polls it.
type fakeBackend struct {
	mu sync.Mutex

	format  capture.Format
	name    string
	blocks  []capture.Block
	isOpen  bool
	started bool

	invalid     bool
	openErr     error
	panicOnRead bool

	opens, closes, starts, stops, shutdowns int
}

func newFakeBackend(channels, rate int) *fakeBackend {
	return &fakeBackend{
		name: "Fake Mic",
		format: capture.Format{
			Channels:     channels,
			SampleRate:   rate,
			SampleFormat: capture.FormatFloat32,
			ChannelMask:  capture.DefaultMask(channels),
		},
	}
}

func (f *fakeBackend) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.isOpen = true
	f.invalid = false
	return nil
}

func (f *fakeBackend) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen {
		return capture.ErrNotOpen
	}
	f.starts++
	f.started = true
	return nil
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.started = false
	return nil
}

func (f *fakeBackend) MixFormat() (capture.Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format, nil
}

func (f *fakeBackend) PollNextBlockSize() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen {
		return 0, capture.ErrNotOpen
	}
	if f.invalid {
		return 0, capture.ErrDeviceInvalidated
	}
	if !f.started || len(f.blocks) == 0 {
		return 0, nil
	}
	return f.blocks[0].Frames, nil
}

func (f *fakeBackend) ReadBlock() (capture.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnRead {
		panic("driver crashed")
	}
	b := f.blocks[0]
	f.blocks = f.blocks[1:]
	return b, nil
}

func (f *fakeBackend) ReleaseBlock() error {
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.isOpen = false
	f.started = false
	return nil
}

func (f *fakeBackend) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeBackend) DeviceName() string {
	return f.name
}

// feed queues one block of interleaved samples.
func (f *fakeBackend) feed(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, capture.Block{
		Samples: append([]float32(nil), samples...),
		Frames:  len(samples) / f.format.Channels,
	})
}

func (f *fakeBackend) feedSilence(frames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, capture.Block{Frames: frames, Silent: true})
}

func (f *fakeBackend) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid = true
}

func (f *fakeBackend) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeBackend) setPanicOnRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicOnRead = true
}

func (f *fakeBackend) counts() (opens, closes, shutdowns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, f.shutdowns
}
