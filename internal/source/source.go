// Package source turns a live capture device into a pull-based stream of
// 16-bit frames at a fixed output rate.
//
// A Source owns one background worker. The worker drains the capture
// backend, resamples what it read with a ratio corrected for clock drift and
// appends the result to an output queue. Consumers call Pull, which wakes the
// worker and copies frames out of that queue. Device loss is handled by the
// worker: the session is released, Pull returns nothing, and reacquisition is
// attempted at most once per retry interval.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/micbridge/internal/capture"
	"github.com/petems/micbridge/internal/clock"
	"github.com/petems/micbridge/internal/drift"
	"github.com/petems/micbridge/internal/metrics"
	"github.com/petems/micbridge/internal/queue"
	"github.com/petems/micbridge/internal/resample"
)

var (
	// ErrClosed is returned by commands once the worker has exited.
	ErrClosed = errors.New("source closed")
	// ErrWorkerFailed reports a worker that stopped on an internal fault.
	ErrWorkerFailed = errors.New("capture worker failed")
	// ErrShutdownTimeout is returned by Close when the worker does not exit
	// in time. The worker is left running.
	ErrShutdownTimeout = errors.New("capture worker did not stop in time")
)

const (
	DefaultRetryInterval     = time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultLostWarnThreshold = 10
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultMaxBlocksPerCycle = 64
)

// Config holds the source configuration.
type Config struct {
	Backend capture.Backend

	OutputRate    int
	ForceResample bool
	Converter     string // resample converter name, default polyphase
	Quality       string

	DriftWindow   time.Duration
	MinAdjustment float64
	MaxAdjustment float64

	RetryInterval     time.Duration
	PollInterval      time.Duration
	LostWarnThreshold int
	ShutdownTimeout   time.Duration
	MaxBlocksPerCycle int
	// QueueLimit caps each queue in samples. Zero means no limit.
	QueueLimit int

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.SourceMetrics
}

func (c *Config) applyDefaults() {
	if c.Converter == "" {
		c.Converter = resample.PolyphaseName
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LostWarnThreshold <= 0 {
		c.LostWarnThreshold = DefaultLostWarnThreshold
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxBlocksPerCycle <= 0 {
		c.MaxBlocksPerCycle = DefaultMaxBlocksPerCycle
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
}

// Stats is a snapshot of the source for diagnostics.
type Stats struct {
	State      DeviceState
	Worker     WorkerState
	Device     string
	Channels   int
	InputRate  int
	OutputRate int
	Converter  string
	Bypassed   bool
	Ratio      float64
	Drift      drift.Snapshot

	QueuedFrames  int
	QueueCapacity int
	// RawFrames is captured input not yet converted, including what the
	// converter holds back.
	RawFrames     int

	FramesCaptured  uint64
	FramesDelivered uint64
	DeviceLosses    uint64
	// FailedReinits counts reacquisition failures since the device was lost.
	FailedReinits int64
	Err           error
}

// Source is a pull-based view of a capture device.
type Source struct {
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	backend capture.Backend
	engine  *resample.Engine
	drift   *drift.Compensator
	metrics *metrics.SourceMetrics

	wake chan struct{}
	cmds chan command
	quit chan struct{}
	done chan struct{}

	quitOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	// mu guards the output queue and the fields below it. The worker holds it
	// only to append, consumers only to copy out.
	mu         sync.Mutex
	out        *queue.Queue[int16]
	channels   int
	inputRate  int
	outputRate int
	bypassed   bool
	device     string
	err        error

	// Published by the worker for QueryAvailable and Stats.
	state         atomic.Int32
	workerState   atomic.Int32
	ratioBits     atomic.Uint64
	rawFrames     atomic.Int64
	polledFrames  atomic.Int64
	failedReinits atomic.Int64
	captured      atomic.Uint64
	delivered     atomic.Uint64
	losses        atomic.Uint64

	w worker
}

// New opens the capture session and starts the worker. On success the Source
// owns cfg.Backend and releases it in Close. A format the pipeline cannot
// handle fails with capture.ErrUnsupportedFormat.
func New(cfg Config) (*Source, error) {
	if cfg.Backend == nil {
		return nil, errors.New("source requires a capture backend")
	}
	if cfg.OutputRate <= 0 {
		return nil, fmt.Errorf("invalid output rate %d", cfg.OutputRate)
	}
	cfg.applyDefaults()

	engine, err := resample.NewEngine(cfg.Converter)
	if err != nil {
		return nil, err
	}

	var qopts []queue.Option
	if cfg.QueueLimit > 0 {
		qopts = append(qopts, queue.WithLimit(cfg.QueueLimit))
	}

	s := &Source{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "source").Logger(),
		clock:   cfg.Clock,
		backend: cfg.Backend,
		engine:  engine,
		drift: drift.New(cfg.OutputRate,
			drift.WithClock(cfg.Clock),
			drift.WithWindow(cfg.DriftWindow),
			drift.WithBounds(cfg.MinAdjustment, cfg.MaxAdjustment)),
		metrics:    cfg.Metrics,
		wake:       make(chan struct{}, 1),
		cmds:       make(chan command),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		out:        queue.New[int16](qopts...),
		outputRate: cfg.OutputRate,
	}
	s.w = worker{
		src: s,
		raw: queue.New[float32](qopts...),
	}
	s.setState(Uninitialized)

	if err := s.w.openSession(); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to initialize capture: %w", err)
	}
	s.setState(Active)
	s.log.Info().
		Str("device", s.backend.DeviceName()).
		Int("channels", s.w.format.Channels).
		Int("input_rate", s.w.format.SampleRate).
		Int("output_rate", cfg.OutputRate).
		Bool("bypass", s.engine.Bypassed()).
		Msg("Capture started")

	go s.w.run()
	return s, nil
}

// QueryAvailable returns how many frames a Pull could deliver: the queued
// output plus the captured backlog scaled by the current ratio. It returns 0
// while the device is lost.
func (s *Source) QueryAvailable() int {
	if s.State() == Lost {
		s.signal()
		return 0
	}

	s.mu.Lock()
	queued := 0
	if s.channels > 0 {
		queued = s.out.Size() / s.channels
	}
	s.mu.Unlock()

	pending := s.rawFrames.Load() + s.polledFrames.Load()
	return queued + int(math.Floor(float64(pending)*s.ratio()))
}

// Pull copies up to frames interleaved frames into buf and returns the number
// copied. It never blocks on the device; with nothing queued it returns 0.
func (s *Source) Pull(buf []int16, frames int) int {
	s.signal()

	n := 0
	s.mu.Lock()
	if ch := s.channels; ch > 0 && frames > 0 {
		n = min(frames, s.out.Size()/ch, len(buf)/ch)
		if n > 0 {
			copy(buf, s.out.Data()[:n*ch])
			s.out.RemoveFront(n * ch)
		}
	}
	s.mu.Unlock()

	s.drift.Observe(n)
	if n > 0 {
		s.delivered.Add(uint64(n))
	}
	s.metrics.RecordPull(n)
	return n
}

// SetOutputRate changes the rate frames are delivered at. When it matches
// the device rate and resampling is not forced, frames pass through
// unconverted.
func (s *Source) SetOutputRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("invalid output rate %d", rate)
	}
	return s.do(command{kind: cmdSetRate, rate: rate})
}

// Start resumes capture after Stop. Queued output and conversion history are
// discarded so no audio from before the stop is delivered.
func (s *Source) Start() error {
	return s.do(command{kind: cmdStart})
}

// Stop pauses capture. The device stays open unless it was lost.
func (s *Source) Stop() error {
	return s.do(command{kind: cmdStop})
}

// Close stops the worker and releases the backend. If the worker does not
// exit within the shutdown timeout (or ctx ends first) ErrShutdownTimeout is
// returned and the backend is left alone.
func (s *Source) Close(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Error().Dur("timeout", s.cfg.ShutdownTimeout).Msg("Capture worker did not exit")
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}

	s.shutdownOnce.Do(func() {
		s.shutdownErr = errors.Join(s.engine.Close(), s.backend.Shutdown())
	})
	return s.shutdownErr
}

func (s *Source) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

func (s *Source) InputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputRate
}

func (s *Source) OutputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputRate
}

func (s *Source) State() DeviceState {
	return DeviceState(s.state.Load())
}

// Err returns the error that terminated the worker, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the worker exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

func (s *Source) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Device:        s.device,
		Channels:      s.channels,
		InputRate:     s.inputRate,
		OutputRate:    s.outputRate,
		Bypassed:      s.bypassed,
		QueueCapacity: s.out.Capacity(),
		Err:           s.err,
	}
	if s.channels > 0 {
		st.QueuedFrames = s.out.Size() / s.channels
	}
	s.mu.Unlock()

	st.State = s.State()
	st.Worker = WorkerState(s.workerState.Load())
	st.Converter = s.cfg.Converter
	st.Ratio = s.ratio()
	st.Drift = s.drift.Snapshot()
	st.RawFrames = int(s.rawFrames.Load())
	st.FramesCaptured = s.captured.Load()
	st.FramesDelivered = s.delivered.Load()
	st.DeviceLosses = s.losses.Load()
	st.FailedReinits = s.failedReinits.Load()
	return st
}

// signal wakes the worker. Wakes coalesce.
func (s *Source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Source) do(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Source) setState(st DeviceState) {
	s.state.Store(int32(st))
	s.metrics.SetDeviceState(st.String())
}

func (s *Source) ratio() float64 {
	r := math.Float64frombits(s.ratioBits.Load())
	if r <= 0 {
		return 1
	}
	return r
}
