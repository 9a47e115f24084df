package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petems/micbridge/internal/config"
	"github.com/petems/micbridge/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Mock implementations for testing
type mockSource struct {
	mu       sync.Mutex
	state    source.DeviceState
	channels int
	// available frames; each Pull hands out up to this many and decrements.
	available int
	next      int16
	pulls     int
	closed    bool
	err       error
	done      chan struct{}
}

func newMockSource(channels int) *mockSource {
	return &mockSource{state: source.Active, channels: channels, done: make(chan struct{})}
}

func (m *mockSource) Pull(buf []int16, frames int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls++
	n := min(frames, m.available, len(buf)/m.channels)
	for i := 0; i < n*m.channels; i++ {
		buf[i] = m.next
		m.next++
	}
	m.available -= n
	return n
}

func (m *mockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = source.Active
	return nil
}

func (m *mockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = source.Stopped
	return nil
}

func (m *mockSource) Channels() int   { return m.channels }
func (m *mockSource) OutputRate() int { return 48000 }

func (m *mockSource) State() source.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSource) setState(st source.DeviceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
}

func (m *mockSource) add(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available += frames
}

func (m *mockSource) pullCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls
}

func (m *mockSource) Stats() source.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return source.Stats{
		State:      m.state,
		Device:     "Mock Mic",
		Channels:   m.channels,
		InputRate:  44100,
		OutputRate: 48000,
		Converter:  "polyphase",
		Ratio:      48000.0 / 44100.0,
	}
}

func (m *mockSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockSource) Done() <-chan struct{} { return m.done }

func (m *mockSource) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)
}

func (m *mockSource) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockSink struct {
	mu      sync.Mutex
	samples []int16
	err     error
	closed  bool
}

func (m *mockSink) WriteFrames(pcm []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, pcm...)
	return nil
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSink) written() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int16(nil), m.samples...)
}

type mockStatus struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockStatus) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func (m *mockStatus) SetIdle()      { m.record("idle") }
func (m *mockStatus) SetCapturing() { m.record("capturing") }
func (m *mockStatus) SetLost()      { m.record("lost") }
func (m *mockStatus) SetError()     { m.record("error") }

func (m *mockStatus) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Output: config.OutputConfig{SampleRate: 48000, QuantumMS: 1},
	}
}

func runApp(t *testing.T, a *App) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()
	return errCh
}

func TestPumpWritesPulledFrames(t *testing.T) {
	src := newMockSource(2)
	src.add(100)
	sink := &mockSink{}
	status := &mockStatus{}

	a := New(Config{
		Source:        src,
		Sink:          sink,
		Config:        testConfig(),
		Logger:        zerolog.Nop(),
		StatusUpdater: status,
	})
	errCh := runApp(t, a)

	require.Eventually(t, func() bool { return len(sink.written()) == 200 }, time.Second, time.Millisecond)
	assert.Equal(t, "capturing", status.last())

	got := sink.written()
	for i, v := range got {
		require.Equal(t, int16(i), v, "sample %d out of order", i)
	}

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
	assert.True(t, src.closed)
	assert.True(t, sink.closed)
}

func TestPumpPullsFixedQuantum(t *testing.T) {
	src := newMockSource(1)
	src.add(100000)
	sink := &mockSink{}

	a := New(Config{Source: src, Sink: sink, Config: testConfig(), Logger: zerolog.Nop()})
	errCh := runApp(t, a)

	// 48 frames per 1 ms quantum at 48 kHz.
	require.Eventually(t, func() bool { return len(sink.written()) >= 96 }, time.Second, time.Millisecond)
	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, <-errCh)

	assert.Zero(t, len(sink.written())%48)
}

func TestPumpReportsLostDevice(t *testing.T) {
	src := newMockSource(2)
	status := &mockStatus{}

	a := New(Config{Source: src, Config: testConfig(), Logger: zerolog.Nop(), StatusUpdater: status})
	errCh := runApp(t, a)

	require.Eventually(t, func() bool { return status.last() == "capturing" }, time.Second, time.Millisecond)
	src.setState(source.Lost)
	require.Eventually(t, func() bool { return status.last() == "lost" }, time.Second, time.Millisecond)
	src.setState(source.Active)
	require.Eventually(t, func() bool { return status.last() == "capturing" }, time.Second, time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
	assert.Equal(t, "idle", status.last())
}

func TestPumpStopsWhenWorkerFails(t *testing.T) {
	src := newMockSource(2)
	status := &mockStatus{}

	a := New(Config{Source: src, Config: testConfig(), Logger: zerolog.Nop(), StatusUpdater: status})
	errCh := runApp(t, a)

	require.Eventually(t, func() bool { return src.pullCount() > 0 }, time.Second, time.Millisecond)
	src.fail(source.ErrWorkerFailed)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, source.ErrWorkerFailed)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Equal(t, "error", status.last())
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestPumpStopsOnSinkError(t *testing.T) {
	src := newMockSource(1)
	src.add(10)
	sinkErr := errors.New("disk full")

	a := New(Config{Source: src, Sink: &mockSink{err: sinkErr}, Config: testConfig(), Logger: zerolog.Nop()})
	errCh := runApp(t, a)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, sinkErr)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestToggle(t *testing.T) {
	src := newMockSource(2)
	status := &mockStatus{}
	a := New(Config{Source: src, Config: testConfig(), Logger: zerolog.Nop(), StatusUpdater: status})

	assert.True(t, a.IsCapturing())

	require.NoError(t, a.Toggle())
	assert.False(t, a.IsCapturing())
	assert.Equal(t, "idle", status.last())

	require.NoError(t, a.Toggle())
	assert.True(t, a.IsCapturing())
	assert.Equal(t, "capturing", status.last())

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestRunTwice(t *testing.T) {
	src := newMockSource(1)
	a := New(Config{Source: src, Config: testConfig(), Logger: zerolog.Nop()})
	errCh := runApp(t, a)

	require.Eventually(t, func() bool { return src.pullCount() > 0 }, time.Second, time.Millisecond)
	assert.Error(t, a.Run(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}

func TestDiagnostics(t *testing.T) {
	src := newMockSource(2)
	a := New(Config{Source: src, Config: testConfig(), Logger: zerolog.Nop()})

	text := a.Diagnostics()
	assert.Contains(t, text, "device: Mock Mic")
	assert.Contains(t, text, "state: active")
	assert.Contains(t, text, "44100 Hz -> 48000 Hz")
	assert.Contains(t, text, "converter: polyphase")
	assert.NotContains(t, text, "error:")

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestShutdownWithoutRun(t *testing.T) {
	src := newMockSource(1)
	sink := &mockSink{}
	a := New(Config{Source: src, Sink: sink, Config: testConfig(), Logger: zerolog.Nop()})

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.True(t, src.closed)
	assert.True(t, sink.closed)
}
