package selector

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

type parser struct {
	lex  lexer
	tok  token
	peek *token
}

func (p *parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) lookahead() (token, error) {
	if p.peek == nil {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.tok.kind != kind {
		return token{}, p.unexpected("expected " + kind.String())
	}
	t := p.tok
	return t, p.advance()
}

func (p *parser) unexpected(what string) error {
	found := p.tok.kind.String()
	if p.tok.kind == tokIdent || p.tok.kind == tokNumber {
		found += " " + strconv.Quote(p.tok.text)
	}
	return &SyntaxError{Pos: p.tok.pos, Reason: what + ", found " + found}
}

func (p *parser) parse() (node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.unexpected("expected end of input")
	}
	if !n.predicate() {
		return nil, &SyntaxError{Pos: 0, Reason: "selector is not a boolean expression"}
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if err := requirePredicates(pos, "OR", left, right); err != nil {
			return nil, err
		}
		left = orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if err := requirePredicates(pos, "AND", left, right); err != nil {
			return nil, err
		}
		left = andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.tok.kind != tokNot {
		return p.parsePredicate()
	}
	pos := p.tok.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	operand, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if err := requirePredicates(pos, "NOT", operand); err != nil {
		return nil, err
	}
	return notExpr{operand: operand}, nil
}

func requirePredicates(pos int, op string, operands ...node) error {
	for _, n := range operands {
		if !n.predicate() {
			return &SyntaxError{Pos: pos, Reason: "operand of " + op + " is not a boolean expression"}
		}
	}
	return nil
}

func (p *parser) parsePredicate() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	switch p.tok.kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return comparison{op: op, left: left, right: right}, nil

	case tokIs:
		return p.parseIsNull(left)

	case tokNot:
		next, err := p.lookahead()
		if err != nil {
			return nil, err
		}
		switch next.kind {
		case tokBetween, tokIn, tokLike:
			if err := p.advance(); err != nil {
				return nil, err
			}
			return p.parsePostfix(left, true)
		}
		return left, nil

	case tokBetween, tokIn, tokLike:
		return p.parsePostfix(left, false)
	}
	return left, nil
}

func (p *parser) parsePostfix(left node, negated bool) (node, error) {
	switch p.tok.kind {
	case tokBetween:
		if err := p.advance(); err != nil {
			return nil, err
		}
		low, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokAnd); err != nil {
			return nil, err
		}
		high, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return between{operand: left, low: low, high: high, negated: negated}, nil

	case tokIn:
		id, err := p.requireIdentifier(left, "IN")
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		values := make(map[string]struct{})
		for {
			t, err := p.expect(tokString)
			if err != nil {
				return nil, err
			}
			values[t.text] = struct{}{}
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inList{operand: id, values: values, negated: negated}, nil

	default: // tokLike
		id, err := p.requireIdentifier(left, "LIKE")
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		pat, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		var escape rune
		hasEscape := false
		if p.tok.kind == tokEscape {
			if err := p.advance(); err != nil {
				return nil, err
			}
			esc, err := p.expect(tokString)
			if err != nil {
				return nil, err
			}
			if utf8.RuneCountInString(esc.text) != 1 {
				return nil, &SyntaxError{Pos: esc.pos, Reason: "ESCAPE must be a single character"}
			}
			escape, _ = utf8.DecodeRuneInString(esc.text)
			hasEscape = true
		}
		compiled, ok := compileLike(pat.text, escape, hasEscape)
		if !ok {
			return nil, &SyntaxError{Pos: pat.pos, Reason: "LIKE pattern ends with the escape character"}
		}
		return likeExpr{operand: id, pattern: compiled, negated: negated}, nil
	}
}

func (p *parser) parseIsNull(left node) (node, error) {
	id, err := p.requireIdentifier(left, "IS NULL")
	if err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	negated := false
	if p.tok.kind == tokNot {
		negated = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokNull); err != nil {
		return nil, err
	}
	return isNull{operand: id, negated: negated}, nil
}

func (p *parser) requireIdentifier(n node, op string) (identifier, error) {
	id, ok := n.(identifier)
	if !ok {
		return identifier{}, &SyntaxError{Pos: p.tok.pos, Reason: op + " requires an identifier on its left"}
	}
	return id, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryArith{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokStar || p.tok.kind == tokSlash {
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryArith{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.tok.kind {
	case tokPlus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parseUnary()
	case tokMinus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokNumber {
			t := p.tok
			v, err := parseNumber(t.text, true)
			if err != nil {
				return nil, &SyntaxError{Pos: t.pos, Reason: err.Error()}
			}
			return literal{v: v}, p.advance()
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.tok
	switch t.kind {
	case tokIdent:
		return identifier{name: t.text}, p.advance()
	case tokString:
		return literal{v: value{kind: kindString, s: t.text}}, p.advance()
	case tokNumber:
		v, err := parseNumber(t.text, false)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Reason: err.Error()}
		}
		return literal{v: v}, p.advance()
	case tokTrue:
		return literal{v: trueValue}, p.advance()
	case tokFalse:
		return literal{v: falseValue}, p.advance()
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, p.unexpected("expected an operand")
}

type numberError string

func (e numberError) Error() string { return string(e) }

func parseNumber(text string, negative bool) (value, error) {
	lower := strings.ToLower(text)

	if strings.HasPrefix(lower, "0x") {
		digits := strings.TrimSuffix(lower[2:], "l")
		u, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			return nullValue, numberError("hexadecimal literal " + text + " out of range")
		}
		i := int64(u)
		if negative {
			i = -i
		}
		return value{kind: kindLong, i: i}, nil
	}

	last := lower[len(lower)-1]
	approximate := strings.ContainsAny(lower, ".e") || last == 'f' || last == 'd'
	if approximate {
		f, err := strconv.ParseFloat(strings.TrimRight(lower, "fd"), 64)
		if err != nil {
			return nullValue, numberError("malformed numeric literal " + text)
		}
		if negative {
			f = -f
		}
		return value{kind: kindDouble, f: f}, nil
	}

	digits := strings.TrimSuffix(lower, "l")
	base := 10
	if len(digits) > 1 && digits[0] == '0' {
		base = 8
	}
	u, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return nullValue, numberError("malformed numeric literal " + text)
	}
	switch {
	case negative && u == 1<<63:
		return value{kind: kindLong, i: math.MinInt64}, nil
	case u > math.MaxInt64:
		return nullValue, numberError("numeric literal " + text + " out of range")
	case negative:
		return value{kind: kindLong, i: -int64(u)}, nil
	}
	return value{kind: kindLong, i: int64(u)}, nil
}
