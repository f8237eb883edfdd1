// Package metrics exposes logger counters in the Prometheus format.
//
// Every Record method is safe to call on a nil *Metrics, so components can
// take an optional collector without guarding each call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "obdlogger"

// Frame results recorded by RecordFrame
const (
	ResultDecoded    = "decoded"
	ResultMalformed  = "malformed"
	ResultUnknownPID = "unknown_pid"
	ResultEvalFailed = "eval_failed"
)

// Metrics contains the logger metrics
type Metrics struct {
	FramesTotal        *prometheus.CounterVec
	SamplesAccumulated *prometheus.CounterVec
	RowsPersisted      *prometheus.CounterVec
	SamplesDropped     *prometheus.CounterVec
	FlushFailures      *prometheus.CounterVec
	FlushDuration      prometheus.Histogram
	PendingSamples     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, in a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "frames_total",
				Help:      "Total number of frames decoded, by result",
			},
			[]string{"result"},
		),

		SamplesAccumulated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "series",
				Name:      "samples_total",
				Help:      "Total number of samples accumulated",
			},
			[]string{"sensor"},
		),

		RowsPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "appender",
				Name:      "rows_persisted_total",
				Help:      "Total number of rows written to the store",
			},
			[]string{"sensor"},
		),

		SamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "appender",
				Name:      "samples_dropped_total",
				Help:      "Total number of absent samples dropped at flush",
			},
			[]string{"sensor"},
		),

		FlushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "appender",
				Name:      "flush_failures_total",
				Help:      "Total number of failed sensor flushes",
			},
			[]string{"sensor"},
		),

		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "appender",
				Name:      "flush_duration_seconds",
				Help:      "Duration of a full flush in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		PendingSamples: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "series",
				Name:      "pending_samples",
				Help:      "Samples buffered in memory, sampled at the start of each flush",
			},
		),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.FramesTotal,
		m.SamplesAccumulated,
		m.RowsPersisted,
		m.SamplesDropped,
		m.FlushFailures,
		m.FlushDuration,
		m.PendingSamples,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordFrame increments the frame counter for result
func (m *Metrics) RecordFrame(result string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(result).Inc()
}

// RecordSample increments the accumulated samples counter
func (m *Metrics) RecordSample(sensor string) {
	if m == nil {
		return
	}
	m.SamplesAccumulated.WithLabelValues(sensor).Inc()
}

// RecordRows adds n persisted rows
func (m *Metrics) RecordRows(sensor string, n int) {
	if m == nil {
		return
	}
	m.RowsPersisted.WithLabelValues(sensor).Add(float64(n))
}

// RecordDropped adds n dropped samples
func (m *Metrics) RecordDropped(sensor string, n int) {
	if m == nil {
		return
	}
	m.SamplesDropped.WithLabelValues(sensor).Add(float64(n))
}

// RecordFlushFailure increments the flush failure counter
func (m *Metrics) RecordFlushFailure(sensor string) {
	if m == nil {
		return
	}
	m.FlushFailures.WithLabelValues(sensor).Inc()
}

// RecordFlush records a completed flush
func (m *Metrics) RecordFlush(duration time.Duration, pending int) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(duration.Seconds())
	m.PendingSamples.Set(float64(pending))
}
