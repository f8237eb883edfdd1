package catalog

import (
	"errors"
	"fmt"
)

// ErrMalformedRow is wrapped by every fatal catalog Error
var ErrMalformedRow = errors.New("malformed catalog row")

// Error reports a row that cannot be parsed at all. Loading stops at the first Error.
type Error struct {
	Line  int    // 1-based line number in the source
	Field string // column name, empty when the whole row is at fault
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("catalog line %d, field %s: %s", e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("catalog line %d: %s", e.Line, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func malformed(line int, field string, format string, args ...any) *Error {
	return &Error{
		Line:  line,
		Field: field,
		Err:   fmt.Errorf("%w: %s", ErrMalformedRow, fmt.Sprintf(format, args...)),
	}
}

// RejectReason names why a well-formed row was left out of the catalog.
type RejectReason string

const (
	RejectCompound     RejectReason = "compound expression"
	RejectEmptyName    RejectReason = "empty name"
	RejectDuplicateKey RejectReason = "duplicate key"
	RejectBadFormula   RejectReason = "invalid formula"
	RejectStandardPID  RejectReason = "standard PID"
)

// Rejection records a skipped row.
type Rejection struct {
	Line   int
	Name   string
	Key    Key
	Reason RejectReason
	Err    error // formula error for RejectBadFormula, nil otherwise
}

func (r Rejection) String() string {
	s := fmt.Sprintf("line %d: %s (%q, key %s)", r.Line, r.Reason, r.Name, r.Key)
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}
