package selector

import "math"

type kind uint8

const (
	kindNull kind = iota
	kindBool
	kindLong
	kindDouble
	kindString
)

// value is the runtime representation of an operand. kindNull doubles as
// the SQL UNKNOWN truth value.
type value struct {
	kind kind
	b    bool
	i    int64
	f    float64
	s    string
}

var (
	nullValue  = value{}
	trueValue  = value{kind: kindBool, b: true}
	falseValue = value{kind: kindBool}
)

func boolValue(b bool) value {
	if b {
		return trueValue
	}
	return falseValue
}

// fromAny converts a property value. Unsupported types read as null.
func fromAny(v any) value {
	switch x := v.(type) {
	case nil:
		return nullValue
	case bool:
		return boolValue(x)
	case int8:
		return value{kind: kindLong, i: int64(x)}
	case int16:
		return value{kind: kindLong, i: int64(x)}
	case int32:
		return value{kind: kindLong, i: int64(x)}
	case int64:
		return value{kind: kindLong, i: x}
	case int:
		return value{kind: kindLong, i: int64(x)}
	case uint8:
		return value{kind: kindLong, i: int64(x)}
	case uint16:
		return value{kind: kindLong, i: int64(x)}
	case uint32:
		return value{kind: kindLong, i: int64(x)}
	case float32:
		return value{kind: kindDouble, f: float64(x)}
	case float64:
		return value{kind: kindDouble, f: x}
	case string:
		return value{kind: kindString, s: x}
	default:
		return nullValue
	}
}

func (v value) numeric() bool {
	return v.kind == kindLong || v.kind == kindDouble
}

func (v value) float() float64 {
	if v.kind == kindLong {
		return float64(v.i)
	}
	return v.f
}

// compareNumbers returns -1, 0 or 1. Both operands must be numeric.
func compareNumbers(a, b value) int {
	if a.kind == kindLong && b.kind == kindLong {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	}
	x, y := a.float(), b.float()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func arithmetic(op tokenKind, a, b value) value {
	if !a.numeric() || !b.numeric() {
		return nullValue
	}
	if a.kind == kindLong && b.kind == kindLong {
		switch op {
		case tokPlus:
			return value{kind: kindLong, i: a.i + b.i}
		case tokMinus:
			return value{kind: kindLong, i: a.i - b.i}
		case tokStar:
			return value{kind: kindLong, i: a.i * b.i}
		case tokSlash:
			if b.i == 0 || (a.i == math.MinInt64 && b.i == -1) {
				return nullValue
			}
			return value{kind: kindLong, i: a.i / b.i}
		}
		return nullValue
	}
	x, y := a.float(), b.float()
	switch op {
	case tokPlus:
		return value{kind: kindDouble, f: x + y}
	case tokMinus:
		return value{kind: kindDouble, f: x - y}
	case tokStar:
		return value{kind: kindDouble, f: x * y}
	case tokSlash:
		if y == 0 {
			return nullValue
		}
		return value{kind: kindDouble, f: x / y}
	}
	return nullValue
}
