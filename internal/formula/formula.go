// Package formula compiles and evaluates the algebraic expressions used by
// PID catalogs to turn raw response bytes into physical values.
//
// Expressions reference up to four positional byte operands, A, B, C and D,
// and are built from a fixed grammar:
//
//	+ - * / // % & | ^ << >> ** ( )
//
// plus numeric literals and the Signed(x) helper. Nothing outside this
// grammar can be expressed; a formula is parsed once into an expression tree
// and the tree is evaluated directly for every frame.
package formula

import (
	"errors"
	"fmt"
)

const (
	// MaxOperands is the number of positional operands, A through D
	MaxOperands = 4
)

var (
	// ErrSyntax is returned when a formula cannot be parsed
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownOperand is returned when a formula references a symbol other than A, B, C or D
	ErrUnknownOperand = errors.New("unknown operand")

	// ErrArithmeticFault is returned for division by zero, integer overflow, non-finite results
	// and operators applied outside their domain
	ErrArithmeticFault = errors.New("arithmetic fault")

	// ErrMissingOperand is returned by RejectShort when a referenced operand is absent
	ErrMissingOperand = errors.New("missing operand")
)

// MissingPolicy decides what happens when a formula references an operand
// that the frame did not carry.
type MissingPolicy int

const (
	// SubstituteZero evaluates absent operands as 0. This is the default.
	SubstituteZero MissingPolicy = iota

	// RejectShort fails the evaluation with ErrMissingOperand.
	RejectShort
)

func (p MissingPolicy) String() string {
	switch p {
	case SubstituteZero:
		return "zero"
	case RejectShort:
		return "reject"
	default:
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
}

// ParseMissingPolicy converts a configuration value ("zero" or "reject") into a MissingPolicy.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch s {
	case "", "zero":
		return SubstituteZero, nil
	case "reject":
		return RejectShort, nil
	default:
		return SubstituteZero, fmt.Errorf("invalid missing operand policy: %q", s)
	}
}

// Operands holds the positional byte operands of a single frame. The zero
// value has every operand absent.
type Operands struct {
	values  [MaxOperands]uint8
	present [MaxOperands]bool
}

// OperandsFrom fills A, B, C and D from the leading bytes of b. Bytes beyond
// the fourth are ignored; positions past the end of b stay absent.
func OperandsFrom(b []byte) Operands {
	var o Operands
	for i := 0; i < len(b) && i < MaxOperands; i++ {
		o.values[i] = b[i]
		o.present[i] = true
	}
	return o
}

// Set assigns the operand at position i (0 for A).
func (o *Operands) Set(i int, v uint8) {
	if i < 0 || i >= MaxOperands {
		return
	}
	o.values[i] = v
	o.present[i] = true
}

// Get returns the operand at position i and whether it is present.
func (o Operands) Get(i int) (uint8, bool) {
	if i < 0 || i >= MaxOperands {
		return 0, false
	}
	return o.values[i], o.present[i]
}

// Expr is a compiled formula. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
	refs uint8 // bit i set when operand i is referenced
}

// Compile parses src into an expression tree.
func Compile(src string) (*Expr, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}

	root, err := p.parse()
	if err != nil {
		return nil, err
	}

	return &Expr{src: src, root: root, refs: p.refs}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and constants.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(fmt.Sprintf("formula: Compile(%q): %s", src, err))
	}
	return e
}

// Evaluate compiles src and evaluates it against ops.
func Evaluate(src string, ops Operands, policy MissingPolicy) (float64, error) {
	e, err := Compile(src)
	if err != nil {
		return 0, err
	}
	return e.Eval(ops, policy)
}

// Eval evaluates the expression. Operands the formula does not reference are
// never consulted.
func (e *Expr) Eval(ops Operands, policy MissingPolicy) (float64, error) {
	env := &env{ops: ops, policy: policy}

	v, err := e.root.eval(env)
	if err != nil {
		return 0, err
	}

	f := v.float()
	if !isFinite(f) {
		return 0, fmt.Errorf("%w: result is not finite", ErrArithmeticFault)
	}
	return f, nil
}

// String returns the source text of the formula.
func (e *Expr) String() string {
	return e.src
}

// Operands returns the referenced operand letters in positional order, e.g. "AB".
func (e *Expr) Operands() string {
	var letters []byte
	for i := 0; i < MaxOperands; i++ {
		if e.refs&(1<<i) != 0 {
			letters = append(letters, byte('A'+i))
		}
	}
	return string(letters)
}

// OperandCount returns how many leading bytes must follow the key for every
// referenced operand to be present: the position of the highest referenced
// letter plus one.
func (e *Expr) OperandCount() int {
	for i := MaxOperands - 1; i >= 0; i-- {
		if e.refs&(1<<i) != 0 {
			return i + 1
		}
	}
	return 0
}
