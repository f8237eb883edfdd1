// Package replay streams frames captured in a text file, one frame per line.
//
// A line is either a hex frame or "elapsed,frame", where elapsed is the number
// of seconds since the start of the capture. Blank lines and lines starting
// with '#' are ignored.
package replay

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/roman-kulish/obd-logger/internal/transport"
)

// WithLogger sets the logger for the source
func WithLogger(logger *slog.Logger) func(*Source) {
	return func(s *Source) {
		s.logger = logger.With(slog.String("source", "replay"))
	}
}

// WithBinary makes the source decode each line into raw bytes. By default the
// line text is forwarded as an ASCII frame.
func WithBinary(binary bool) func(*Source) {
	return func(s *Source) {
		s.binary = binary
	}
}

// WithRate paces frames that carry an elapsed time: 1 replays in real time,
// 2 twice as fast. Zero replays as fast as the consumer reads.
func WithRate(rate float64) func(*Source) {
	return func(s *Source) {
		s.rate = rate
	}
}

// WithParseErrorsThreshold sets the threshold for consecutive parse errors
func WithParseErrorsThreshold(threshold uint8) func(*Source) {
	return func(s *Source) {
		s.parseErrorsThreshold = threshold
	}
}

// WithClock sets the time source used to stamp frames
func WithClock(now func() time.Time) func(*Source) {
	return func(s *Source) {
		s.now = now
	}
}

// Source replays captured frames.
type Source struct {
	path string
	r    io.Reader

	binary               bool
	rate                 float64
	parseErrorsThreshold uint8
	now                  func() time.Time
	logger               *slog.Logger
}

var _ transport.Source = (*Source)(nil)

// New creates a Source that reads frames from r.
func New(r io.Reader, options ...func(*Source)) *Source {
	return newSource("", r, options...)
}

// NewFile creates a Source that reads frames from the file at path. The file
// is opened when streaming starts.
func NewFile(path string, options ...func(*Source)) *Source {
	return newSource(path, nil, options...)
}

func newSource(path string, r io.Reader, options ...func(*Source)) *Source {
	s := Source{
		path:                 path,
		r:                    r,
		parseErrorsThreshold: transport.ParseErrorsThreshold,
		now:                  time.Now,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Stream sends every frame of the capture. It returns nil when the capture is
// exhausted or ctx is cancelled.
func (s *Source) Stream(ctx context.Context, frames chan<- transport.Frame) (err error) {
	r := s.r
	if s.path != "" {
		var f *os.File
		if f, err = os.Open(s.path); err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer closeWithError(f, &err)
		r = f
	}
	if r == nil {
		return errors.New("no capture to replay")
	}

	start := s.now()

	var (
		parseErrors uint8
		sent        int
		last        float64
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		frame, elapsed, err := s.parse(line)
		if err != nil {
			parseErrors++
			s.logger.Warn(fmt.Sprintf("error parsing frame: %s", err.Error()), slog.String("line", line))

			if parseErrors >= s.parseErrorsThreshold {
				return transport.ErrTooManyParseErrors
			}

			continue
		}

		parseErrors = 0 // reset counter

		if elapsed >= 0 {
			frame.Received = start.Add(time.Duration(elapsed * float64(time.Second)))

			if s.rate > 0 && elapsed > last {
				if err := wait(ctx, time.Duration((elapsed-last)/s.rate*float64(time.Second))); err != nil {
					return nil
				}
			}
			last = max(last, elapsed)
		} else {
			frame.Received = s.now()
		}

		if err := transport.Send(ctx, frames, frame); err != nil {
			return nil
		}
		sent++
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("%w: error reading capture: %w", transport.ErrBrokenPipe, err)
	}

	s.logger.Info("capture replayed", slog.Int("frames", sent))
	return nil
}

// parse returns the frame of a line and its elapsed time, which is negative
// when the line does not carry one.
func (s *Source) parse(line string) (transport.Frame, float64, error) {
	elapsed := -1.0

	if ts, data, ok := strings.Cut(line, ","); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
		if err != nil {
			return transport.Frame{}, 0, fmt.Errorf("parsing elapsed time: %w", err)
		}
		if v < 0 {
			return transport.Frame{}, 0, fmt.Errorf("negative elapsed time: %g", v)
		}
		elapsed = v
		line = strings.TrimSpace(data)
	}

	text := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, line)
	if text == "" {
		return transport.Frame{}, 0, errors.New("empty frame")
	}

	if s.binary {
		data, err := hex.DecodeString(text)
		if err != nil {
			return transport.Frame{}, 0, fmt.Errorf("invalid frame %q: %w", text, err)
		}
		return transport.Frame{Data: data}, elapsed, nil
	}

	// ASCII frames start with a three digit CAN identifier, so only the digits are checked
	if i := strings.IndexFunc(text, func(r rune) bool { return !isHexDigit(r) }); i >= 0 {
		return transport.Frame{}, 0, fmt.Errorf("invalid frame %q: bad character %q", text, text[i])
	}
	return transport.Frame{Data: []byte(line)}, elapsed, nil
}

func isHexDigit(r rune) bool {
	return '0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F'
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
