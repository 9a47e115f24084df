package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/micbridge/internal/config"
	"github.com/petems/micbridge/internal/source"
)

// Source is the pull side of a capture source.
type Source interface {
	Pull(buf []int16, frames int) int
	Start() error
	Stop() error
	Channels() int
	OutputRate() int
	State() source.DeviceState
	Stats() source.Stats
	Err() error
	Done() <-chan struct{}
	Close(ctx context.Context) error
}

// Sink receives every frame the pump pulls.
type Sink interface {
	WriteFrames(pcm []int16) error
	Close() error
}

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetCapturing()
	SetLost()
	SetError()
}

type Config struct {
	Source        Source
	Sink          Sink // Optional - frames are discarded when nil
	Config        *config.Config
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

// App drives a Source like a playback device would: every quantum it asks
// for a fixed number of frames and hands whatever arrived to the sink.
type App struct {
	src    Source
	sink   Sink
	cfg    *config.Config
	log    zerolog.Logger
	status StatusUpdater

	started  atomic.Bool
	stop     chan struct{}
	pumpDone chan struct{}

	mu        sync.Mutex
	lastState source.DeviceState
	reported  bool
	pulled    uint64
	short     uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config) *App {
	sink := cfg.Sink
	if sink == nil {
		sink = discard{}
	}
	return &App{
		src:      cfg.Source,
		sink:     sink,
		cfg:      cfg.Config,
		log:      cfg.Logger.With().Str("component", "app").Logger(),
		status:   cfg.StatusUpdater,
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Run pumps frames until ctx is cancelled, Shutdown is called, or the source
// worker terminates. A terminated worker's error is returned.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app already running")
	}
	defer close(a.pumpDone)

	quantum := a.cfg.Output.QuantumFrames()
	interval := time.Duration(a.cfg.Output.QuantumMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.log.Info().
		Int("quantum_frames", quantum).
		Dur("interval", interval).
		Msg("Playback pump started")

	var buf []int16
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stop:
			return nil
		case <-a.src.Done():
			err := a.src.Err()
			a.log.Error().Err(err).Msg("Capture worker stopped")
			a.setStatus(func(s StatusUpdater) { s.SetError() })
			return err
		case <-ticker.C:
		}

		a.reportState()

		ch := a.src.Channels()
		if ch <= 0 {
			continue
		}
		if need := quantum * ch; len(buf) != need {
			buf = make([]int16, need)
		}

		n := a.src.Pull(buf, quantum)
		a.mu.Lock()
		a.pulled += uint64(n)
		if n < quantum {
			a.short++
		}
		a.mu.Unlock()

		if n == 0 {
			continue
		}
		if err := a.sink.WriteFrames(buf[:n*ch]); err != nil {
			a.setStatus(func(s StatusUpdater) { s.SetError() })
			return fmt.Errorf("failed to write frames: %w", err)
		}
	}
}

// reportState forwards device state changes to the status updater.
func (a *App) reportState() {
	st := a.src.State()

	a.mu.Lock()
	changed := !a.reported || st != a.lastState
	a.lastState = st
	a.reported = true
	a.mu.Unlock()

	if !changed {
		return
	}
	a.log.Debug().Stringer("state", st).Msg("Device state changed")
	a.setStatus(func(s StatusUpdater) { applyState(s, st) })
}

func applyState(s StatusUpdater, st source.DeviceState) {
	switch st {
	case source.Active:
		s.SetCapturing()
	case source.Lost:
		s.SetLost()
	default:
		s.SetIdle()
	}
}

func (a *App) setStatus(fn func(StatusUpdater)) {
	if a.status != nil {
		fn(a.status)
	}
}

// Toggle stops an active source and starts a stopped one.
func (a *App) Toggle() error {
	if a.src.State() == source.Stopped {
		a.log.Info().Msg("Starting capture")
		if err := a.src.Start(); err != nil {
			a.setStatus(func(s StatusUpdater) { s.SetError() })
			return fmt.Errorf("failed to start capture: %w", err)
		}
	} else {
		a.log.Info().Msg("Stopping capture")
		if err := a.src.Stop(); err != nil {
			a.setStatus(func(s StatusUpdater) { s.SetError() })
			return fmt.Errorf("failed to stop capture: %w", err)
		}
	}
	a.reportState()
	return nil
}

// IsCapturing reports whether the source is delivering frames.
func (a *App) IsCapturing() bool {
	return a.src.State() == source.Active
}

// Diagnostics renders the source statistics as plain text.
func (a *App) Diagnostics() string {
	st := a.src.Stats()
	a.mu.Lock()
	pulled, short := a.pulled, a.short
	a.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "device: %s\n", st.Device)
	fmt.Fprintf(&b, "state: %s (worker %s)\n", st.State, st.Worker)
	fmt.Fprintf(&b, "format: %d ch, %d Hz -> %d Hz\n", st.Channels, st.InputRate, st.OutputRate)
	fmt.Fprintf(&b, "converter: %s (bypassed %t)\n", st.Converter, st.Bypassed)
	fmt.Fprintf(&b, "ratio: %.6f (drift %.6f)\n", st.Ratio, st.Drift.Adjustment)
	fmt.Fprintf(&b, "queued: %d frames (capacity %d samples), raw backlog %d frames\n",
		st.QueuedFrames, st.QueueCapacity, st.RawFrames)
	fmt.Fprintf(&b, "captured: %d frames, delivered: %d frames\n", st.FramesCaptured, st.FramesDelivered)
	fmt.Fprintf(&b, "pump: %d frames pulled, %d short quanta\n", pulled, short)
	fmt.Fprintf(&b, "device losses: %d, failed reinits: %d\n", st.DeviceLosses, st.FailedReinits)
	if st.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", st.Err)
	}
	return b.String()
}

// Shutdown stops the pump and releases the source and the sink.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		close(a.stop)
		if a.started.Load() {
			select {
			case <-a.pumpDone:
			case <-ctx.Done():
			}
		}

		srcErr := a.src.Close(ctx)
		sinkErr := a.sink.Close()
		if srcErr != nil {
			a.shutdownErr = fmt.Errorf("failed to close source: %w", srcErr)
		} else if sinkErr != nil {
			a.shutdownErr = fmt.Errorf("failed to close sink: %w", sinkErr)
		}
		a.setStatus(func(s StatusUpdater) { s.SetIdle() })
	})
	return a.shutdownErr
}

type discard struct{}

func (discard) WriteFrames([]int16) error { return nil }
func (discard) Close() error              { return nil }
