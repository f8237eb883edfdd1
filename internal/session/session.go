// Package session runs a logging session: frames from a transport source are
// decoded and accumulated per sensor while an appender periodically persists
// them to the session store.
package session

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

	"github.com/roman-kulish/obd-logger/internal/appender"
	"github.com/roman-kulish/obd-logger/internal/metrics"
	"github.com/roman-kulish/obd-logger/internal/obd"
	"github.com/roman-kulish/obd-logger/internal/series"
	"github.com/roman-kulish/obd-logger/internal/transport"
)

const (
	// DefaultFrameBuffer is the capacity of the channel between source and decoder
	DefaultFrameBuffer = 256
)

// ErrAlreadyRunning is returned by Run when the session is already running
var ErrAlreadyRunning = errors.New("session is already running")

// Store is the container a session persists to. The session closes it
// once the final flush completed.
type Store interface {
	appender.Container
	Close() error
}

// WithLogger sets the logger for the session and its appender
func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records frame and sample counters
func WithMetrics(m *metrics.Metrics) func(*Session) {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock sets the time source of the session start and of frames that
// arrive without a receive time
func WithClock(now func() time.Time) func(*Session) {
	return func(s *Session) {
		s.now = now
	}
}

// WithFlushInterval sets how often pending samples are persisted
func WithFlushInterval(d time.Duration) func(*Session) {
	return func(s *Session) {
		s.flushInterval = d
	}
}

// WithFailureThreshold sets the consecutive flush failures that are reported as persistent
func WithFailureThreshold(n int) func(*Session) {
	return func(s *Session) {
		s.failureThreshold = n
	}
}

// WithFrameBuffer sets the capacity of the frame channel
func WithFrameBuffer(n int) func(*Session) {
	return func(s *Session) {
		s.frameBuffer = n
	}
}

// Stats counts frames by decode result.
type Stats struct {
	Frames     int64
	Decoded    int64
	Malformed  int64
	UnknownPID int64
	EvalFailed int64
}

// Session ties a source, a decoder and a store together.
type Session struct {
	source   transport.Source
	decoder  *obd.Decoder
	store    Store
	set      *series.Set
	appender *appender.Appender

	start     time.Time
	isRunning atomic.Bool
	wg        sync.WaitGroup

	frames     atomic.Int64
	decoded    atomic.Int64
	malformed  atomic.Int64
	unknownPID atomic.Int64
	evalFailed atomic.Int64

	flushInterval    time.Duration
	failureThreshold int
	frameBuffer      int
	now              func() time.Time
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// New creates a Session with one time series per sensor in the decoder's catalog.
func New(source transport.Source, decoder *obd.Decoder, store Store, options ...func(*Session)) *Session {
	s := Session{
		source:           source,
		decoder:          decoder,
		store:            store,
		set:              series.NewSet(decoder.Catalog()),
		flushInterval:    appender.DefaultInterval,
		failureThreshold: appender.DefaultFailureThreshold,
		frameBuffer:      DefaultFrameBuffer,
		now:              time.Now,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	s.appender = appender.New(s.set, store,
		appender.WithLogger(s.logger),
		appender.WithFailureThreshold(s.failureThreshold),
		appender.WithMetrics(s.metrics))

	return &s
}

// Series returns the per-sensor time series of the session
func (s *Session) Series() *series.Set {
	return s.set
}

// Appender returns the appender persisting the session
func (s *Session) Appender() *appender.Appender {
	return s.appender
}

// Stats returns the frame counters
func (s *Session) Stats() Stats {
	return Stats{
		Frames:     s.frames.Load(),
		Decoded:    s.decoded.Load(),
		Malformed:  s.malformed.Load(),
		UnknownPID: s.unknownPID.Load(),
		EvalFailed: s.evalFailed.Load(),
	}
}

// Run logs until ctx is cancelled or the source is exhausted. On the way out
// it waits for the decoder to drain the pending frames, for the appender's
// final flush, and then closes the store.
func (s *Session) Run(ctx context.Context) error {
	if s.flushInterval <= 0 {
		return fmt.Errorf("invalid flush interval: %s", s.flushInterval)
	}
	if !s.isRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.isRunning.Store(false)

	s.start = s.now()
	s.logger.Info("session started",
		slog.Int("sensors", s.set.Len()),
		slog.Duration("flushInterval", s.flushInterval))

	// The appender outlives the source so that it flushes what the producer
	// accumulated last.
	flushCtx, stopFlushing := context.WithCancel(context.Background())
	defer stopFlushing()

	flushed := make(chan error, 1)
	go func() {
		flushed <- s.appender.Run(flushCtx, s.flushInterval)
	}()

	frames := make(chan transport.Frame, s.frameBuffer)

	s.wg.Add(1)
	go s.consume(frames)

	srcErr := s.source.Stream(ctx, frames)
	if srcErr != nil {
		s.logger.Error(fmt.Sprintf("source stopped: %s", srcErr.Error()))
	}

	close(frames)
	s.wg.Wait() // producer drained the channel

	stopFlushing()
	flushErr := <-flushed

	var closeErr error
	if err := s.store.Close(); err != nil {
		closeErr = fmt.Errorf("closing store: %w", err)
	}

	stats := s.Stats()
	s.logger.Info("session finished",
		slog.String("frames", humanize.Comma(stats.Frames)),
		slog.String("decoded", humanize.Comma(stats.Decoded)),
		slog.Int64("malformed", stats.Malformed),
		slog.Int64("unknownPID", stats.UnknownPID),
		slog.Int64("evalFailed", stats.EvalFailed),
		slog.Duration("took", s.now().Sub(s.start)))

	return errors.Join(srcErr, flushErr, closeErr)
}

func (s *Session) consume(frames <-chan transport.Frame) {
	defer s.wg.Done()

	for f := range frames {
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f transport.Frame) {
	s.frames.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.evalFailed.Add(1)
			s.metrics.RecordFrame(metrics.ResultEvalFailed)
			s.logger.Error(fmt.Sprintf("decoding frame panicked: %v", r), slog.String("frame", frameText(f.Data)))
		}
	}()

	received := f.Received
	if received.IsZero() {
		received = s.now()
	}
	elapsed := received.Sub(s.start).Seconds()

	reading, err := s.decoder.Decode(f.Data)
	if err == nil {
		s.decoded.Add(1)
		s.metrics.RecordFrame(metrics.ResultDecoded)
		s.metrics.RecordSample(reading.Sensor.ShortName)

		s.set.State(reading.Sensor.Index).Accumulate(elapsed, reading.Value, true)
		return
	}

	var de *obd.DecodeError
	if !errors.As(err, &de) {
		de = &obd.DecodeError{Kind: obd.KindMalformed, Err: err}
	}

	switch de.Kind {
	case obd.KindEvalFailed:
		s.evalFailed.Add(1)
		s.metrics.RecordFrame(metrics.ResultEvalFailed)

		// the sensor did answer, so the gap is kept as an absent sample
		if st, ok := s.set.ByKey(de.Key); ok {
			st.Accumulate(elapsed, 0, false)
		}
		s.logger.Warn(err.Error(), slog.String("key", de.Key.String()))

	case obd.KindUnknownPID:
		s.unknownPID.Add(1)
		s.metrics.RecordFrame(metrics.ResultUnknownPID)
		s.logger.Debug(err.Error())

	default:
		s.malformed.Add(1)
		s.metrics.RecordFrame(metrics.ResultMalformed)
		s.logger.Warn(err.Error(), slog.String("frame", frameText(f.Data)))
	}
}

// frameText returns ASCII frames as they are and binary frames in hex.
func frameText(data []byte) string {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("%X", data)
		}
	}
	return string(data)
}
