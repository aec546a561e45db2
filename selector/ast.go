package selector

// node is one element of a compiled selector. Nodes are immutable after
// parsing and safe for concurrent evaluation.
type node interface {
	eval(src Source) value
	// predicate reports whether the node can yield a truth value
	predicate() bool
}

type literal struct{ v value }

func (n literal) eval(Source) value { return n.v }
func (n literal) predicate() bool   { return n.v.kind == kindBool }

type identifier struct{ name string }

func (n identifier) eval(src Source) value {
	v, ok := src.Lookup(n.name)
	if !ok {
		return nullValue
	}
	return fromAny(v)
}

// Identifiers are typed at evaluation time; a non-boolean reads as unknown.
func (n identifier) predicate() bool { return true }

type orExpr struct{ left, right node }

func (n orExpr) eval(src Source) value {
	l := truth(n.left.eval(src))
	if l == True {
		return trueValue
	}
	r := truth(n.right.eval(src))
	switch {
	case r == True:
		return trueValue
	case l == False && r == False:
		return falseValue
	}
	return nullValue
}

func (n orExpr) predicate() bool { return true }

type andExpr struct{ left, right node }

func (n andExpr) eval(src Source) value {
	l := truth(n.left.eval(src))
	if l == False {
		return falseValue
	}
	r := truth(n.right.eval(src))
	switch {
	case r == False:
		return falseValue
	case l == True && r == True:
		return trueValue
	}
	return nullValue
}

func (n andExpr) predicate() bool { return true }

type notExpr struct{ operand node }

func (n notExpr) eval(src Source) value {
	switch truth(n.operand.eval(src)) {
	case True:
		return falseValue
	case False:
		return trueValue
	}
	return nullValue
}

func (n notExpr) predicate() bool { return true }

type comparison struct {
	op          tokenKind
	left, right node
}

func (n comparison) eval(src Source) value {
	l, r := n.left.eval(src), n.right.eval(src)
	switch {
	case l.numeric() && r.numeric():
		c := compareNumbers(l, r)
		switch n.op {
		case tokEq:
			return boolValue(c == 0)
		case tokNe:
			return boolValue(c != 0)
		case tokLt:
			return boolValue(c < 0)
		case tokLe:
			return boolValue(c <= 0)
		case tokGt:
			return boolValue(c > 0)
		case tokGe:
			return boolValue(c >= 0)
		}
	case l.kind == kindString && r.kind == kindString:
		switch n.op {
		case tokEq:
			return boolValue(l.s == r.s)
		case tokNe:
			return boolValue(l.s != r.s)
		}
	case l.kind == kindBool && r.kind == kindBool:
		switch n.op {
		case tokEq:
			return boolValue(l.b == r.b)
		case tokNe:
			return boolValue(l.b != r.b)
		}
	}
	return nullValue
}

func (n comparison) predicate() bool { return true }

type binaryArith struct {
	op          tokenKind
	left, right node
}

func (n binaryArith) eval(src Source) value {
	return arithmetic(n.op, n.left.eval(src), n.right.eval(src))
}

func (n binaryArith) predicate() bool { return false }

type negate struct{ operand node }

func (n negate) eval(src Source) value {
	v := n.operand.eval(src)
	switch v.kind {
	case kindLong:
		return value{kind: kindLong, i: -v.i}
	case kindDouble:
		return value{kind: kindDouble, f: -v.f}
	}
	return nullValue
}

func (n negate) predicate() bool { return false }

type between struct {
	operand, low, high node
	negated            bool
}

func (n between) eval(src Source) value {
	v := n.operand.eval(src)
	lo, hi := n.low.eval(src), n.high.eval(src)
	if !v.numeric() || !lo.numeric() || !hi.numeric() {
		return nullValue
	}
	in := compareNumbers(v, lo) >= 0 && compareNumbers(v, hi) <= 0
	return boolValue(in != n.negated)
}

func (n between) predicate() bool { return true }

type inList struct {
	operand identifier
	values  map[string]struct{}
	negated bool
}

func (n inList) eval(src Source) value {
	v := n.operand.eval(src)
	if v.kind != kindString {
		return nullValue
	}
	_, found := n.values[v.s]
	return boolValue(found != n.negated)
}

func (n inList) predicate() bool { return true }

type likeExpr struct {
	operand identifier
	pattern likePattern
	negated bool
}

func (n likeExpr) eval(src Source) value {
	v := n.operand.eval(src)
	if v.kind != kindString {
		return nullValue
	}
	return boolValue(n.pattern.match(v.s) != n.negated)
}

func (n likeExpr) predicate() bool { return true }

type isNull struct {
	operand identifier
	negated bool
}

func (n isNull) eval(src Source) value {
	null := n.operand.eval(src).kind == kindNull
	return boolValue(null != n.negated)
}

func (n isNull) predicate() bool { return true }

func truth(v value) Result {
	if v.kind != kindBool {
		return Unknown
	}
	if v.b {
		return True
	}
	return False
}
