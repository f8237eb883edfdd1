package obd

import (
	"errors"
	"fmt"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

var (
	// ErrMalformed is matched by decode errors for frames too short or not valid hex
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownPID is matched by decode errors for keys missing from the catalog
	ErrUnknownPID = errors.New("unknown PID")

	// ErrEvalFailed is matched by decode errors for formulas that failed to evaluate
	ErrEvalFailed = errors.New("evaluation failed")
)

// Kind classifies a DecodeError.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindUnknownPID
	KindEvalFailed
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnknownPID:
		return "unknown_pid"
	case KindEvalFailed:
		return "eval_failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindMalformed:
		return ErrMalformed
	case KindUnknownPID:
		return ErrUnknownPID
	case KindEvalFailed:
		return ErrEvalFailed
	default:
		return nil
	}
}

// DecodeError is returned by Decode for a frame that did not produce a
// reading. None of the kinds is fatal to a session.
type DecodeError struct {
	Kind Kind
	Key  catalog.Key // empty for KindMalformed
	Err  error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Key != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error kind.
func (e *DecodeError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}
