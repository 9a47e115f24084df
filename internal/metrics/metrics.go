// Package metrics provides Prometheus metrics for the capture pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeviceStates lists the label values used by the device state gauge.
var DeviceStates = []string{"uninitialized", "active", "lost", "stopped"}

// SourceMetrics contains Prometheus metrics for a capture source.
// A nil *SourceMetrics is valid and records nothing.
type SourceMetrics struct {
	registry *prometheus.Registry

	// Queue depth
	outputPendingFrames prometheus.Gauge
	rawPendingFrames    prometheus.Gauge
	outputQueueCapacity prometheus.Gauge

	// Rate control
	resampleRatio     prometheus.Gauge
	driftAdjustment   prometheus.Gauge
	resampleDuration  prometheus.Histogram
	framesCaptured    prometheus.Counter
	framesResampled   prometheus.Counter
	framesDelivered   prometheus.Counter
	pullsTotal        *prometheus.CounterVec // result: data, empty
	silentBlocksTotal prometheus.Counter

	// Device lifecycle
	deviceState        *prometheus.GaugeVec
	deviceLossesTotal  prometheus.Counter
	reinitAttempts     *prometheus.CounterVec // result: success, failure
	workerFailures     prometheus.Counter
}

// NewSourceMetrics creates and registers new source metrics
func NewSourceMetrics(registry *prometheus.Registry) (*SourceMetrics, error) {
	m := &SourceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SourceMetrics) initMetrics() {
	m.outputPendingFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micbridge_output_pending_frames",
		Help: "Resampled frames waiting for the consumer",
	})
	m.rawPendingFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micbridge_raw_pending_frames",
		Help: "Captured frames waiting for resampling",
	})
	m.outputQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micbridge_output_queue_capacity_samples",
		Help: "Allocated capacity of the output queue in samples",
	})

	m.resampleRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micbridge_resample_ratio",
		Help: "Ratio passed to the resampler, including drift correction",
	})
	m.driftAdjustment = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micbridge_drift_adjustment",
		Help: "Current drift correction multiplier",
	})
	m.resampleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "micbridge_resample_duration_seconds",
		Help:    "Time spent converting one batch of captured frames",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
	})
	m.framesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_frames_captured_total",
		Help: "Frames read from the capture device",
	})
	m.framesResampled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_frames_resampled_total",
		Help: "Frames produced by the resampler",
	})
	m.framesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_frames_delivered_total",
		Help: "Frames handed to the consumer",
	})
	m.pullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "micbridge_pulls_total",
		Help: "Consumer pulls by outcome",
	}, []string{"result"})
	m.silentBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_silent_blocks_total",
		Help: "Blocks the device flagged as silent",
	})

	m.deviceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "micbridge_device_state",
		Help: "1 for the current device state, 0 otherwise",
	}, []string{"state"})
	m.deviceLossesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_device_losses_total",
		Help: "Times the capture device was invalidated",
	})
	m.reinitAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "micbridge_reinit_attempts_total",
		Help: "Device reacquisition attempts by result",
	}, []string{"result"})
	m.workerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micbridge_worker_failures_total",
		Help: "Capture workers that stopped on a fatal error",
	})
}

// Describe implements prometheus.Collector
func (m *SourceMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *SourceMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *SourceMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.outputPendingFrames,
		m.rawPendingFrames,
		m.outputQueueCapacity,
		m.resampleRatio,
		m.driftAdjustment,
		m.resampleDuration,
		m.framesCaptured,
		m.framesResampled,
		m.framesDelivered,
		m.pullsTotal,
		m.silentBlocksTotal,
		m.deviceState,
		m.deviceLossesTotal,
		m.reinitAttempts,
		m.workerFailures,
	}
}

// SetQueueDepth publishes pending frame counts and output capacity.
func (m *SourceMetrics) SetQueueDepth(outputFrames, rawFrames, outputCapacity int) {
	if m == nil {
		return
	}
	m.outputPendingFrames.Set(float64(outputFrames))
	m.rawPendingFrames.Set(float64(rawFrames))
	m.outputQueueCapacity.Set(float64(outputCapacity))
}

func (m *SourceMetrics) SetRatio(ratio, adjustment float64) {
	if m == nil {
		return
	}
	m.resampleRatio.Set(ratio)
	m.driftAdjustment.Set(adjustment)
}

func (m *SourceMetrics) RecordCaptured(frames int, silent bool) {
	if m == nil {
		return
	}
	m.framesCaptured.Add(float64(frames))
	if silent {
		m.silentBlocksTotal.Inc()
	}
}

func (m *SourceMetrics) RecordResample(frames int, d time.Duration) {
	if m == nil {
		return
	}
	m.framesResampled.Add(float64(frames))
	m.resampleDuration.Observe(d.Seconds())
}

func (m *SourceMetrics) RecordPull(frames int) {
	if m == nil {
		return
	}
	if frames == 0 {
		m.pullsTotal.WithLabelValues("empty").Inc()
		return
	}
	m.pullsTotal.WithLabelValues("data").Inc()
	m.framesDelivered.Add(float64(frames))
}

// SetDeviceState marks state as the current one.
func (m *SourceMetrics) SetDeviceState(state string) {
	if m == nil {
		return
	}
	for _, s := range DeviceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.deviceState.WithLabelValues(s).Set(v)
	}
}

func (m *SourceMetrics) RecordDeviceLoss() {
	if m == nil {
		return
	}
	m.deviceLossesTotal.Inc()
}

func (m *SourceMetrics) RecordReinit(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reinitAttempts.WithLabelValues(result).Inc()
}

func (m *SourceMetrics) RecordWorkerFailure() {
	if m == nil {
		return
	}
	m.workerFailures.Inc()
}
