package source

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/petems/micbridge/internal/capture"
	"github.com/petems/micbridge/internal/queue"
	"github.com/petems/micbridge/internal/resample"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdSetRate
)

type command struct {
	kind  cmdKind
	rate  int
	reply chan error
}

var errQuit = errors.New("quit")

// worker state is only touched from the worker goroutine, apart from
// openSession which New calls before the goroutine starts.
type worker struct {
	src *Source

	raw    *queue.Queue[float32]
	conv   []float32
	pcm    []int16
	format capture.Format

	open       bool // backend session is open
	paused     bool // stopped by the user
	flowed     bool // output has been produced at least once
	configured bool

	lostAt      time.Time
	lastAttempt time.Time
}

func (w *worker) run() {
	s := w.src
	defer close(s.done)
	defer w.releaseSession()

	for {
		select {
		case <-s.quit:
			s.workerState.Store(int32(Terminated))
			return
		default:
		}

		err := w.step()
		if err == nil {
			continue
		}
		s.workerState.Store(int32(Terminated))
		if errors.Is(err, errQuit) {
			return
		}
		w.fail(err)
		return
	}
}

// step runs one pass of the loop. A panic is turned into ErrWorkerFailed.
func (w *worker) step() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerFailed, r)
		}
	}()

	s := w.src
	switch {
	case w.paused:
		s.workerState.Store(int32(Paused))
		return w.sleep(s.cfg.PollInterval)
	case s.State() == Lost:
		s.workerState.Store(int32(Paused))
		if s.clock.Now().Sub(w.lastAttempt) >= s.cfg.RetryInterval {
			w.reacquire()
			return nil
		}
		return w.sleep(s.cfg.PollInterval)
	}

	s.workerState.Store(int32(WaitingForWake))
	if err := w.waitWake(); err != nil {
		return err
	}
	if w.paused || s.State() != Active {
		return nil
	}

	s.workerState.Store(int32(Draining))
	if err := w.drain(); err != nil {
		if errors.Is(err, capture.ErrDeviceInvalidated) {
			w.markLost(err)
			return nil
		}
		return err
	}

	s.workerState.Store(int32(Resampling))
	if err := w.resample(); err != nil {
		return err
	}
	w.publish()
	return nil
}

// waitWake blocks until a pull, a command, or quit.
func (w *worker) waitWake() error {
	s := w.src
	select {
	case <-s.quit:
		return errQuit
	case <-s.wake:
		return nil
	case c := <-s.cmds:
		c.reply <- w.apply(c)
		return nil
	}
}

// sleep waits up to d, returning early on a wake or a command.
func (w *worker) sleep(d time.Duration) error {
	s := w.src
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.quit:
		return errQuit
	case <-t.C:
	case <-s.wake:
	case c := <-s.cmds:
		c.reply <- w.apply(c)
	}
	return nil
}

// drain moves every block the backend has ready into the raw queue.
func (w *worker) drain() error {
	s := w.src
	ch := w.format.Channels

	for reads := 0; ; reads++ {
		n, err := s.backend.PollNextBlockSize()
		if err != nil {
			return err
		}
		if n == 0 || reads == s.cfg.MaxBlocksPerCycle {
			s.polledFrames.Store(int64(n))
			break
		}

		block, err := s.backend.ReadBlock()
		if err != nil {
			return err
		}
		frames := block.Frames
		if block.Silent {
			err = w.raw.AppendSilence(frames * ch)
		} else {
			frames = min(frames, len(block.Samples)/ch)
			err = w.raw.Append(block.Samples[:frames*ch])
		}
		if relErr := s.backend.ReleaseBlock(); err == nil {
			err = relErr
		}
		if err != nil {
			return err
		}

		s.captured.Add(uint64(frames))
		s.metrics.RecordCaptured(frames, block.Silent)
	}

	w.publishBacklog()
	return nil
}

// backlog is the input not yet converted: the raw queue plus whatever the
// converter holds back.
func (w *worker) backlog() float64 {
	return float64(w.raw.Size()/max(w.format.Channels, 1)) + w.src.engine.Pending()
}

func (w *worker) publishBacklog() {
	w.src.rawFrames.Store(int64(math.Floor(w.backlog())))
}

// resample converts the backlog and appends it to the output queue. Input
// the converter did not consume stays queued for the next pass.
func (w *worker) resample() error {
	s := w.src
	ch := w.format.Channels
	inFrames := w.raw.Size() / ch
	backlog := w.backlog()
	if backlog <= 0 {
		return nil
	}

	ratio := w.ratio()
	target := int(math.Floor(backlog * ratio))
	if target == 0 {
		return nil
	}

	if cap(w.conv) < target*ch {
		w.conv = make([]float32, target*ch)
		w.pcm = make([]int16, target*ch)
	}
	conv := w.conv[:target*ch]

	started := time.Now()
	generated, consumed, err := s.engine.Convert(w.raw.Data()[:inFrames*ch], conv, ratio)
	if err != nil {
		return fmt.Errorf("failed to resample: %w", err)
	}
	s.metrics.RecordResample(generated, time.Since(started))

	if generated > 0 {
		pcm := w.pcm[:generated*ch]
		resample.Quantize(pcm, conv[:generated*ch])

		s.mu.Lock()
		err = s.out.Append(pcm)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to queue output: %w", err)
		}
		w.flowed = true
	}
	w.raw.RemoveFront(consumed * ch)
	w.publishBacklog()

	s.log.Debug().
		Int("input", inFrames).
		Int("target", target).
		Int("generated", generated).
		Int("consumed", consumed).
		Float64("ratio", ratio).
		Msg("Resampled")
	return nil
}

// ratio is the nominal ratio corrected for drift, or 1 when bypassing.
func (w *worker) ratio() float64 {
	s := w.src
	adjust := s.drift.Adjustment()
	r := 1.0
	if !s.engine.Bypassed() {
		r = s.engine.Spec().NominalRatio() * adjust
	}
	s.metrics.SetRatio(r, adjust)
	s.ratioBits.Store(math.Float64bits(r))
	return r
}

func (w *worker) publish() {
	s := w.src
	s.mu.Lock()
	outFrames := s.out.Size() / max(w.format.Channels, 1)
	capacity := s.out.Capacity()
	s.mu.Unlock()
	s.metrics.SetQueueDepth(outFrames, int(w.backlog()), capacity)
}

func (w *worker) apply(c command) error {
	switch c.kind {
	case cmdStart:
		return w.start()
	case cmdStop:
		return w.stop()
	case cmdSetRate:
		return w.setRate(c.rate)
	default:
		return fmt.Errorf("unknown command %d", c.kind)
	}
}

func (w *worker) stop() error {
	s := w.src
	if w.paused {
		return nil
	}
	w.paused = true
	if w.open {
		if err := s.backend.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to stop capture")
		}
	}
	w.raw.Reset()
	s.rawFrames.Store(0)
	s.polledFrames.Store(0)
	s.setState(Stopped)
	s.log.Info().Msg("Capture stopped")
	return nil
}

func (w *worker) start() error {
	s := w.src
	if !w.paused {
		return nil
	}
	w.paused = false

	if !w.open {
		// The device went away before or during the stop; let the lost
		// state reacquire it on the usual schedule.
		s.setState(Lost)
		return nil
	}

	w.clearOutput()
	s.engine.Reset()
	s.drift.Reset()
	if err := s.backend.Start(); err != nil {
		w.markLost(err)
		return fmt.Errorf("failed to restart capture: %w", err)
	}
	s.setState(Active)
	s.log.Info().Msg("Capture started")
	return nil
}

func (w *worker) setRate(rate int) error {
	s := w.src
	s.mu.Lock()
	s.outputRate = rate
	s.mu.Unlock()
	s.drift.SetNominalRate(rate)

	if !w.configured {
		return nil
	}
	if err := w.configure(w.format); err != nil {
		return err
	}
	s.log.Info().Int("output_rate", rate).Bool("bypass", s.engine.Bypassed()).Msg("Output rate changed")
	return nil
}

// configure sets the engine up for the device format and current output
// rate. Equal rates bypass conversion unless resampling is forced.
func (w *worker) configure(f capture.Format) error {
	s := w.src
	outRate := s.OutputRate()
	bypass := f.SampleRate == outRate && !s.cfg.ForceResample
	spec := resample.Spec{
		Channels:   f.Channels,
		InputRate:  f.SampleRate,
		OutputRate: outRate,
		Quality:    s.cfg.Quality,
	}
	if err := s.engine.Configure(spec, bypass); err != nil {
		return err
	}
	w.configured = true

	s.mu.Lock()
	s.bypassed = bypass
	s.mu.Unlock()
	w.ratio()
	return nil
}

// openSession opens and starts the backend, validating its format and
// reconfiguring the engine if the format changed.
func (w *worker) openSession() error {
	s := w.src
	b := s.backend

	if err := b.Open(); err != nil {
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	f, err := b.MixFormat()
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to query capture format: %w", err)
	}
	if err := capture.ValidateFormat(f); err != nil {
		_ = b.Close()
		return err
	}

	if !w.configured || f.Channels != w.format.Channels || f.SampleRate != w.format.SampleRate {
		if err := w.configure(f); err != nil {
			_ = b.Close()
			return fmt.Errorf("failed to configure resampler: %w", err)
		}
		if w.raw.Size() > 0 {
			w.raw.Reset()
		}
	}

	if err := b.Start(); err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	w.format = f
	w.open = true
	s.mu.Lock()
	if f.Channels != s.channels {
		s.out.Reset()
	}
	s.channels = f.Channels
	s.inputRate = f.SampleRate
	s.device = b.DeviceName()
	s.mu.Unlock()
	return nil
}

func (w *worker) releaseSession() {
	if !w.open {
		return
	}
	s := w.src
	if err := s.backend.Stop(); err != nil {
		s.log.Debug().Err(err).Msg("Stop on release failed")
	}
	if err := s.backend.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Close on release failed")
	}
	w.open = false
}

// markLost releases the session and empties both queues. Reacquisition is
// not attempted until a full retry interval has passed.
func (w *worker) markLost(cause error) {
	s := w.src
	w.releaseSession()
	w.raw.Reset()
	w.clearOutput()
	s.rawFrames.Store(0)
	s.polledFrames.Store(0)
	s.failedReinits.Store(0)
	s.losses.Add(1)
	s.metrics.RecordDeviceLoss()

	now := s.clock.Now()
	w.lostAt = now
	w.lastAttempt = now
	s.setState(Lost)
	s.log.Warn().Err(cause).Msg("Capture device lost")
}

// reacquire makes one attempt to reopen the device.
func (w *worker) reacquire() {
	s := w.src
	w.lastAttempt = s.clock.Now()

	if err := w.openSession(); err != nil {
		failed := s.failedReinits.Add(1)
		s.metrics.RecordReinit(false)
		ev := s.log.Debug()
		if failed%int64(s.cfg.LostWarnThreshold) == 0 {
			ev = s.log.Warn()
		}
		ev.Err(err).
			Int64("attempts", failed).
			Dur("lost_for", s.clock.Now().Sub(w.lostAt)).
			Msg("Capture device still unavailable")
		return
	}

	s.failedReinits.Store(0)
	s.metrics.RecordReinit(true)
	if w.flowed {
		w.clearOutput()
		s.engine.Reset()
	}
	s.setState(Active)
	s.log.Info().
		Str("device", s.backend.DeviceName()).
		Dur("lost_for", s.clock.Now().Sub(w.lostAt)).
		Msg("Capture device reacquired")
}

func (w *worker) clearOutput() {
	s := w.src
	s.mu.Lock()
	s.out.Reset()
	s.mu.Unlock()
}

// fail records a fatal error. The session is released when run returns.
func (w *worker) fail(err error) {
	s := w.src
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.metrics.RecordWorkerFailure()
	s.log.Error().Err(err).Msg("Capture worker stopped")
}
