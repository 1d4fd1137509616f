// Package metrics provides Prometheus metrics for receiver control.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics groups the counters and gauges for device acquisition, parameter
// changes and streaming. A nil *Metrics is valid and records nothing.
type Metrics struct {
	openAttempts        *prometheus.CounterVec
	acquisitionTimeouts prometheus.Counter
	acquireDuration     prometheus.Histogram
	openHandles         prometheus.Gauge
	parameterOps        *prometheus.CounterVec
	activeStreams       prometheus.Gauge
	streamBuffers       prometheus.Counter
	streamBytes         prometheus.Counter
	streamErrors        prometheus.Counter
}

// New creates the metrics and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.openAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdrcontrol_open_attempts_total",
			Help: "Native open attempts by result",
		},
		[]string{"result"},
	)
	m.acquisitionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdrcontrol_acquisition_timeouts_total",
		Help: "Acquisitions that gave up after the retry timeout",
	})
	m.acquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sdrcontrol_acquire_duration_seconds",
		Help:    "Time spent acquiring a device handle, retries included",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})
	m.openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdrcontrol_open_handles",
		Help: "Device handles currently held by the registry",
	})
	m.parameterOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdrcontrol_parameter_operations_total",
			Help: "Parameter get and set operations by operation and result",
		},
		[]string{"op", "result"},
	)
	m.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdrcontrol_active_streams",
		Help: "Streams currently running",
	})
	m.streamBuffers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdrcontrol_stream_buffers_total",
		Help: "Sample buffers delivered to consumers",
	})
	m.streamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdrcontrol_stream_bytes_total",
		Help: "Sample bytes delivered to consumers",
	})
	m.streamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdrcontrol_stream_errors_total",
		Help: "Streams that ended with a driver or consumer error",
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.openAttempts, m.acquisitionTimeouts, m.acquireDuration, m.openHandles,
		m.parameterOps, m.activeStreams, m.streamBuffers, m.streamBytes, m.streamErrors,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// RecordOpen counts one native open attempt.
func (m *Metrics) RecordOpen(err error) {
	if m == nil {
		return
	}
	m.openAttempts.WithLabelValues(result(err)).Inc()
}

// RecordAcquire observes a completed acquisition.
func (m *Metrics) RecordAcquire(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.acquireDuration.Observe(d.Seconds())
	if timedOut {
		m.acquisitionTimeouts.Inc()
	}
}

// SetOpenHandles sets the number of handles held.
func (m *Metrics) SetOpenHandles(n int) {
	if m == nil {
		return
	}
	m.openHandles.Set(float64(n))
}

// RecordParameter counts a parameter operation such as "set_frequency".
func (m *Metrics) RecordParameter(op string, err error) {
	if m == nil {
		return
	}
	m.parameterOps.WithLabelValues(op, result(err)).Inc()
}

// StreamStarted and StreamStopped track the running stream count.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamStopped(err error) {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
	if err != nil {
		m.streamErrors.Inc()
	}
}

// RecordBuffer counts one buffer delivered to a consumer.
func (m *Metrics) RecordBuffer(n int) {
	if m == nil {
		return
	}
	m.streamBuffers.Inc()
	m.streamBytes.Add(float64(n))
}
