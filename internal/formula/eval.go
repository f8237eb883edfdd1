package formula

import (
	"fmt"
	"math"
)

// value is an integer or a float. Byte arithmetic stays integral until "/"
// or a float literal is involved.
type value struct {
	i     int64
	f     float64
	isInt bool
}

func intValue(i int64) value {
	return value{i: i, isInt: true}
}

func floatValue(f float64) value {
	return value{f: f}
}

func (v value) float() float64 {
	if v.isInt {
		return float64(v.i)
	}
	return v.f
}

type env struct {
	ops    Operands
	policy MissingPolicy
}

type node interface {
	eval(e *env) (value, error)
}

type literalNode struct {
	v value
}

func (n *literalNode) eval(*env) (value, error) {
	return n.v, nil
}

type operandNode struct {
	index int
}

func (n *operandNode) eval(e *env) (value, error) {
	v, ok := e.ops.Get(n.index)
	if !ok && e.policy == RejectShort {
		return value{}, fmt.Errorf("%w: %c", ErrMissingOperand, 'A'+n.index)
	}
	return intValue(int64(v)), nil // absent reads as 0 under SubstituteZero
}

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(e *env) (value, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return value{}, err
	}
	if n.op == "+" {
		return v, nil
	}
	if v.isInt {
		if v.i == math.MinInt64 {
			return value{}, fmt.Errorf("%w: integer overflow in negation", ErrArithmeticFault)
		}
		return intValue(-v.i), nil
	}
	return floatValue(-v.f), nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return value{}, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case "+":
		return add(l, r)
	case "-":
		return sub(l, r)
	case "*":
		return mul(l, r)
	case "/":
		return div(l, r)
	case "//":
		return floorDiv(l, r)
	case "%":
		return mod(l, r)
	case "**":
		return pow(l, r)
	case "&", "|", "^", "<<", ">>":
		return bitwise(n.op, l, r)
	default:
		return value{}, fmt.Errorf("%w: unsupported operator %q", ErrSyntax, n.op)
	}
}

type function func(value) (value, error)

var functions = map[string]function{
	"Signed": signed,
}

type callNode struct {
	name string
	fn   function
	arg  node
}

func (n *callNode) eval(e *env) (value, error) {
	v, err := n.arg.eval(e)
	if err != nil {
		return value{}, err
	}
	return n.fn(v)
}

// signed reinterprets an unsigned byte as two's complement.
func signed(v value) (value, error) {
	if !v.isInt {
		return value{}, fmt.Errorf("%w: Signed() requires an integer", ErrArithmeticFault)
	}
	if v.i >= 1<<7 {
		return intValue((v.i & 0xff) - (1 << 8)), nil
	}
	return v, nil
}

func add(l, r value) (value, error) {
	if l.isInt && r.isInt {
		s := l.i + r.i
		if (s > l.i) != (r.i > 0) {
			return value{}, fmt.Errorf("%w: integer overflow", ErrArithmeticFault)
		}
		return intValue(s), nil
	}
	return floatValue(l.float() + r.float()), nil
}

func sub(l, r value) (value, error) {
	if l.isInt && r.isInt {
		d := l.i - r.i
		if (d < l.i) != (r.i > 0) {
			return value{}, fmt.Errorf("%w: integer overflow", ErrArithmeticFault)
		}
		return intValue(d), nil
	}
	return floatValue(l.float() - r.float()), nil
}

func mul(l, r value) (value, error) {
	if l.isInt && r.isInt {
		if l.i == 0 || r.i == 0 {
			return intValue(0), nil
		}
		p := l.i * r.i
		if p/r.i != l.i || (l.i == -1 && r.i == math.MinInt64) || (r.i == -1 && l.i == math.MinInt64) {
			return value{}, fmt.Errorf("%w: integer overflow", ErrArithmeticFault)
		}
		return intValue(p), nil
	}
	return floatValue(l.float() * r.float()), nil
}

func div(l, r value) (value, error) {
	if r.float() == 0 {
		return value{}, fmt.Errorf("%w: division by zero", ErrArithmeticFault)
	}
	return floatValue(l.float() / r.float()), nil
}

func floorDiv(l, r value) (value, error) {
	if r.float() == 0 {
		return value{}, fmt.Errorf("%w: division by zero", ErrArithmeticFault)
	}
	if l.isInt && r.isInt {
		if l.i == math.MinInt64 && r.i == -1 {
			return value{}, fmt.Errorf("%w: integer overflow", ErrArithmeticFault)
		}
		q := l.i / r.i
		if l.i%r.i != 0 && (l.i < 0) != (r.i < 0) {
			q--
		}
		return intValue(q), nil
	}
	return floatValue(math.Floor(l.float() / r.float())), nil
}

// mod follows floored division: the result takes the sign of the divisor.
func mod(l, r value) (value, error) {
	if r.float() == 0 {
		return value{}, fmt.Errorf("%w: modulo by zero", ErrArithmeticFault)
	}
	if l.isInt && r.isInt {
		if r.i == -1 {
			return intValue(0), nil
		}
		m := l.i % r.i
		if m != 0 && (m < 0) != (r.i < 0) {
			m += r.i
		}
		return intValue(m), nil
	}
	m := math.Mod(l.float(), r.float())
	if m != 0 && (m < 0) != (r.float() < 0) {
		m += r.float()
	}
	return floatValue(m), nil
}

func pow(l, r value) (value, error) {
	if l.isInt && r.isInt && r.i >= 0 {
		result := int64(1)
		base, exp := l.i, r.i
		for exp > 0 {
			if exp&1 == 1 {
				next, err := mul(intValue(result), intValue(base))
				if err != nil {
					return value{}, err
				}
				result = next.i
			}
			exp >>= 1
			if exp > 0 {
				sq, err := mul(intValue(base), intValue(base))
				if err != nil {
					return value{}, err
				}
				base = sq.i
			}
		}
		return intValue(result), nil
	}

	if l.float() == 0 && r.float() < 0 {
		return value{}, fmt.Errorf("%w: zero raised to a negative power", ErrArithmeticFault)
	}
	p := math.Pow(l.float(), r.float())
	if !isFinite(p) {
		return value{}, fmt.Errorf("%w: power is not finite", ErrArithmeticFault)
	}
	return floatValue(p), nil
}

func bitwise(op string, l, r value) (value, error) {
	if !l.isInt || !r.isInt {
		return value{}, fmt.Errorf("%w: operator %q requires integer operands", ErrArithmeticFault, op)
	}

	switch op {
	case "&":
		return intValue(l.i & r.i), nil
	case "|":
		return intValue(l.i | r.i), nil
	case "^":
		return intValue(l.i ^ r.i), nil
	case "<<":
		if r.i < 0 || r.i >= 63 {
			return value{}, fmt.Errorf("%w: shift count %d out of range", ErrArithmeticFault, r.i)
		}
		s := l.i << uint(r.i)
		if s>>uint(r.i) != l.i {
			return value{}, fmt.Errorf("%w: integer overflow in shift", ErrArithmeticFault)
		}
		return intValue(s), nil
	case ">>":
		if r.i < 0 {
			return value{}, fmt.Errorf("%w: negative shift count %d", ErrArithmeticFault, r.i)
		}
		if r.i >= 63 {
			if l.i < 0 {
				return intValue(-1), nil
			}
			return intValue(0), nil
		}
		return intValue(l.i >> uint(r.i)), nil
	default:
		return value{}, fmt.Errorf("%w: unsupported operator %q", ErrSyntax, op)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
