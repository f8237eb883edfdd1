// Package appender periodically moves buffered samples into persistent
// datasets, one dataset per sensor.
package appender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/metrics"
	"github.com/roman-kulish/obd-logger/internal/series"
)

const (
	// DefaultFailureThreshold is the number of consecutive failed flushes of
	// one sensor after which the failure is reported as persistent
	DefaultFailureThreshold = 3

	// DefaultInterval is the time between two flushes
	DefaultInterval = 60 * time.Second
)

// Dataset is a growable per-sensor table, see series.Dataset
type Dataset = series.Dataset

// Row is a persisted (elapsed, value) pair, see series.Row
type Row = series.Row

// DatasetSpec describes a dataset to create.
type DatasetSpec struct {
	Name     string // sensor short name, unique within the container
	LongName string
	Unit     string
	Key      catalog.Key
	Min      float64
	Max      float64
}

// Container creates datasets and makes their contents durable.
type Container interface {
	// CreateDataset creates a dataset holding exactly rows.
	CreateDataset(ctx context.Context, spec DatasetSpec, rows []Row) (Dataset, error)

	// Sync makes everything written so far durable.
	Sync(ctx context.Context) error
}

// Status is the appender state.
type Status int32

const (
	StatusIdle Status = iota
	StatusFlushing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Report summarizes one flush.
type Report struct {
	Sensors int // sensors that had pending samples
	Rows    int // rows written
	Dropped int // absent samples discarded
	Failed  int // sensors whose write or sync failed
}

// WithLogger sets the logger for the appender
func WithLogger(logger *slog.Logger) func(*Appender) {
	return func(a *Appender) {
		a.logger = logger.With(slog.String("component", "appender"))
	}
}

// WithFailureThreshold sets the number of consecutive failures reported as persistent
func WithFailureThreshold(n int) func(*Appender) {
	return func(a *Appender) {
		a.failureThreshold = n
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) func(*Appender) {
	return func(a *Appender) {
		a.metrics = m
	}
}

// Appender drains every sensor buffer of a series.Set into a Container.
// Flushes are serialized; accumulation continues while a flush runs.
type Appender struct {
	set       *series.Set
	container Container

	mu       sync.Mutex // serializes flushes
	failures []int      // consecutive failures per sensor index
	status   atomic.Int32

	failureThreshold int
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// New creates an Appender
func New(set *series.Set, container Container, options ...func(*Appender)) *Appender {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	a := Appender{
		set:              set,
		container:        container,
		failures:         make([]int, set.Len()),
		failureThreshold: DefaultFailureThreshold,
		logger:           logger,
	}

	for _, option := range options {
		option(&a)
	}

	return &a
}

// Status reports whether a flush is in progress
func (a *Appender) Status() Status {
	return Status(a.status.Load())
}

// Run flushes every interval until ctx is done, then runs a final flush
// and returns. Cancelling ctx only stops scheduling: a flush that already
// drained its buffers always writes them.
func (a *Appender) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid flush interval: %s", interval)
	}

	writeCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush(writeCtx)

		case <-ctx.Done():
			a.logger.Info("running final flush")
			a.Flush(writeCtx)
			return nil
		}
	}
}

// Flush drains every sensor buffer and persists the valid samples. A failure
// on one sensor is logged and counted; the remaining sensors are still
// flushed. A batch that failed to persist is not put back in the buffer.
func (a *Appender) Flush(ctx context.Context) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.status.Store(int32(StatusFlushing))
	defer a.status.Store(int32(StatusIdle))

	start := time.Now()
	pending := a.set.Pending()

	a.logger.Debug("flush started", slog.Int("pending", pending))

	var report Report
	for i, st := range a.set.States() {
		samples := st.Drain()
		if len(samples) == 0 {
			a.logger.Debug("skipping empty time series", slog.String("sensor", st.Sensor.ShortName))
			continue
		}

		report.Sensors++

		rows, dropped := validRows(samples)
		if dropped > 0 {
			report.Dropped += dropped
			a.metrics.RecordDropped(st.Sensor.ShortName, dropped)
			a.logger.Warn("dropping absent samples",
				slog.String("sensor", st.Sensor.ShortName),
				slog.Int("absent", dropped),
				slog.Int("total", len(samples)))
		}
		if len(rows) == 0 {
			continue
		}

		if err := a.persist(ctx, st, rows); err != nil {
			report.Failed++
			a.recordFailure(i, st, len(rows), err)
			continue
		}

		a.failures[i] = 0
		report.Rows += len(rows)
		a.metrics.RecordRows(st.Sensor.ShortName, len(rows))

		a.logger.Debug("saved time series",
			slog.String("sensor", st.Sensor.ShortName),
			slog.Int("rows", len(rows)),
			slog.Int("datasetRows", st.Dataset().Len()))
	}

	elapsed := time.Since(start)
	a.metrics.RecordFlush(elapsed, pending)

	level := slog.LevelInfo
	if report.Sensors == 0 {
		level = slog.LevelDebug
	}
	a.logger.Log(ctx, level, "flush completed",
		slog.Int("sensors", report.Sensors),
		slog.String("rows", humanize.Comma(int64(report.Rows))),
		slog.Int("dropped", report.Dropped),
		slog.Int("failed", report.Failed),
		slog.Duration("took", elapsed))

	return report
}

func (a *Appender) persist(ctx context.Context, st *series.State, rows []Row) error {
	if ds := st.Dataset(); ds != nil {
		if err := ds.Append(ctx, rows); err != nil {
			return fmt.Errorf("appending to dataset %s: %w", ds.Name(), err)
		}
	} else {
		d := st.Sensor
		ds, err := a.container.CreateDataset(ctx, DatasetSpec{
			Name:     d.ShortName,
			LongName: d.LongName,
			Unit:     d.Unit,
			Key:      d.Key,
			Min:      d.Min,
			Max:      d.Max,
		}, rows)
		if err != nil {
			return fmt.Errorf("creating dataset %s: %w", d.ShortName, err)
		}
		if ds == nil {
			return errors.New("container returned no dataset")
		}
		st.SetDataset(ds)
	}

	if err := a.container.Sync(ctx); err != nil {
		return fmt.Errorf("syncing container: %w", err)
	}
	return nil
}

func (a *Appender) recordFailure(i int, st *series.State, lost int, err error) {
	a.failures[i]++
	a.metrics.RecordFlushFailure(st.Sensor.ShortName)

	a.logger.Error(fmt.Sprintf("flush failed: %s", err.Error()),
		slog.String("sensor", st.Sensor.ShortName),
		slog.Int("lostRows", lost),
		slog.Int("consecutive", a.failures[i]))

	if a.failureThreshold > 0 && a.failures[i] >= a.failureThreshold {
		a.logger.Error("persistent flush failure",
			slog.String("sensor", st.Sensor.ShortName),
			slog.Int("consecutive", a.failures[i]))
	}
}

// Failures returns the consecutive failure count of the sensor at index i
func (a *Appender) Failures(i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures[i]
}

func validRows(samples []series.Sample) ([]Row, int) {
	rows := make([]Row, 0, len(samples))
	for _, s := range samples {
		if !s.Valid {
			continue
		}
		rows = append(rows, Row{Elapsed: s.Elapsed, Value: s.Value})
	}
	return rows, len(samples) - len(rows)
}
