package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// valueToken is the only identifier a formula may reference.
const valueToken = "{value}"

var ErrDivisionByZero = errors.New("division by zero")

// node is a parsed arithmetic expression.
type node interface {
	eval(value decimal.Decimal) (decimal.Decimal, error)
}

type numberNode struct{ v decimal.Decimal }

type valueNode struct{}

type negNode struct{ x node }

type binaryNode struct {
	op   byte
	l, r node
}

func (n numberNode) eval(decimal.Decimal) (decimal.Decimal, error) { return n.v, nil }

func (valueNode) eval(v decimal.Decimal) (decimal.Decimal, error) { return v, nil }

func (n negNode) eval(v decimal.Decimal) (decimal.Decimal, error) {
	x, err := n.x.eval(v)
	if err != nil {
		return decimal.Zero, err
	}
	return x.Neg(), nil
}

func (n binaryNode) eval(v decimal.Decimal) (decimal.Decimal, error) {
	l, err := n.l.eval(v)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.r.eval(v)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	case '/':
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
	return decimal.Zero, fmt.Errorf("unknown operator %q", n.op)
}

// parseFormula parses numbers, {value}, unary minus, + - * / and parentheses.
// Anything else is rejected.
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/") factor }
//	factor = ("-" | "+") factor | number | "{value}" | "(" expr ")"
func parseFormula(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("empty formula")
	}
	p := &formulaParser{src: src}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	return n, nil
}

type formulaParser struct {
	src   string
	pos   int
	depth int
}

const maxFormulaDepth = 64

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *formulaParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *formulaParser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

func (p *formulaParser) term() (node, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

func (p *formulaParser) factor() (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxFormulaDepth {
		return nil, errors.New("formula nested too deeply")
	}

	c := p.peek()
	switch {
	case c == 0:
		return nil, errors.New("unexpected end of formula")
	case c == '-' || c == '+':
		p.pos++
		x, err := p.factor()
		if err != nil {
			return nil, err
		}
		if c == '-' {
			return negNode{x: x}, nil
		}
		return x, nil
	case c == '(':
		p.pos++
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing ')' at offset %d", p.pos)
		}
		p.pos++
		return x, nil
	case c == '{':
		if !strings.HasPrefix(p.src[p.pos:], valueToken) {
			return nil, fmt.Errorf("unknown reference at offset %d", p.pos)
		}
		p.pos += len(valueToken)
		return valueNode{}, nil
	case (c >= '0' && c <= '9') || c == '.':
		return p.number()
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

func (p *formulaParser) number() (node, error) {
	start := p.pos
	dots := 0
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' {
			dots++
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	lit := p.src[start:p.pos]
	if dots > 1 || lit == "." {
		return nil, fmt.Errorf("malformed number %q", lit)
	}
	d, err := decimal.NewFromString(lit)
	if err != nil {
		return nil, fmt.Errorf("malformed number %q: %w", lit, err)
	}
	return numberNode{v: d}, nil
}
