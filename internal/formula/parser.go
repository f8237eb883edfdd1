package formula

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// operators ordered longest first so that "**" wins over "*"
var operators = []string{"//", "**", "<<", ">>", "+", "-", "*", "/", "%", "&", "|", "^"}

func tokenize(src string) ([]token, error) {
	var tokens []token

	i := 0
	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++

		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i = scanNumber(src, i)
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})

		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, rune(c), i)
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func scanNumber(src string, i int) int {
	if strings.HasPrefix(src[i:], "0x") || strings.HasPrefix(src[i:], "0X") {
		i += 2
		for i < len(src) && isHexDigit(src[i]) {
			i++
		}
		return i
	}

	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	return i
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

// binding powers of the left-associative binary operators, Python order
var binaryPower = map[string]int{
	"|":  1,
	"^":  2,
	"&":  3,
	"<<": 4,
	">>": 4,
	"+":  5,
	"-":  5,
	"*":  6,
	"/":  6,
	"//": 6,
	"%":  6,
}

type parser struct {
	tokens []token
	pos    int
	refs   uint8
}

func newParser(src string) (*parser, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty formula", ErrSyntax)
	}

	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	return &parser{tokens: tokens}, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parse() (node, error) {
	n, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return n, nil
}

func (p *parser) parseBinary(minPower int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		power, ok := binaryPower[t.text]
		if !ok || power < minPower {
			return left, nil
		}
		p.next()

		right, err := p.parseBinary(power + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, left: left, right: right}
	}
}

// parseUnary handles prefix signs. A unary sign binds looser than "**" on its
// right, so -2**2 is -(2**2).
func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, operand: operand}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	if t := p.peek(); t.kind == tokOp && t.text == "**" {
		p.next()
		exponent, err := p.parseUnary() // right associative
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: "**", left: base, right: exponent}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()

	switch t.kind {
	case tokNumber:
		return parseLiteral(t)

	case tokIdent:
		if idx, ok := operandIndex(t.text); ok {
			p.refs |= 1 << idx
			return &operandNode{index: idx}, nil
		}
		if fn, ok := functions[t.text]; ok {
			return p.parseCall(t, fn)
		}
		return nil, fmt.Errorf("%w: %q at %d", ErrUnknownOperand, t.text, t.pos)

	case tokLParen:
		inner, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at %d", ErrSyntax, closing.pos)
		}
		return inner, nil

	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of formula", ErrSyntax)

	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
}

func (p *parser) parseCall(name token, fn function) (node, error) {
	if open := p.next(); open.kind != tokLParen {
		return nil, fmt.Errorf("%w: expected '(' after %s at %d", ErrSyntax, name.text, open.pos)
	}

	arg, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}

	if closing := p.next(); closing.kind != tokRParen {
		return nil, fmt.Errorf("%w: expected ')' at %d", ErrSyntax, closing.pos)
	}
	return &callNode{name: name.text, fn: fn, arg: arg}, nil
}

func operandIndex(name string) (int, bool) {
	if len(name) != 1 {
		return 0, false
	}
	idx := int(name[0] - 'A')
	if idx < 0 || idx >= MaxOperands {
		return 0, false
	}
	return idx, true
}

func parseLiteral(t token) (node, error) {
	text := t.text

	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		i, err := strconv.ParseInt(text[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hex literal %q at %d", ErrSyntax, text, t.pos)
		}
		return &literalNode{v: intValue(i)}, nil
	}

	if !strings.ContainsAny(text, ".eE") {
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid integer literal %q at %d", ErrSyntax, text, t.pos)
		}
		return &literalNode{v: intValue(i)}, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid number %q at %d", ErrSyntax, text, t.pos)
	}
	return &literalNode{v: floatValue(f)}, nil
}
