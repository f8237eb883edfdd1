// Package transport defines how response frames reach the decoder. Sources
// live in sub-packages: replay reads captured frames from a file and
// socketcan talks to the vehicle over a CAN interface.
package transport

import (
	"context"
	"errors"
	"time"
)

const (
	// ParseErrorsThreshold defines the number of consecutive parse errors allowed
	ParseErrorsThreshold = 5
)

var (
	// ErrTooManyParseErrors is returned when the number of consecutive parse errors exceeds the threshold
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	// ErrBrokenPipe is returned when there's an error reading from the underlying source
	ErrBrokenPipe = errors.New("broken pipe")
)

// Frame is a single validated response frame.
type Frame struct {
	Data     []byte
	Received time.Time
}

// Source delivers frames until the context is cancelled or the source is
// exhausted. Stream does not close frames; the caller owns the channel.
type Source interface {
	Stream(ctx context.Context, frames chan<- Frame) error
}

// Send delivers f unless ctx is cancelled first.
func Send(ctx context.Context, frames chan<- Frame, f Frame) error {
	select {
	case frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
