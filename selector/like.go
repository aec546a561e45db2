package selector

const (
	likeLiteral = iota
	likeOne     // _
	likeMany    // %
)

type likeElem struct {
	kind int
	r    rune
}

// likePattern is a LIKE pattern with escapes already resolved
type likePattern []likeElem

func compileLike(pattern string, escape rune, hasEscape bool) (likePattern, bool) {
	var p likePattern
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			p = append(p, likeElem{kind: likeLiteral, r: r})
			escaped = false
		case hasEscape && r == escape:
			escaped = true
		case r == '%':
			p = append(p, likeElem{kind: likeMany})
		case r == '_':
			p = append(p, likeElem{kind: likeOne})
		default:
			p = append(p, likeElem{kind: likeLiteral, r: r})
		}
	}
	// a trailing escape character has nothing to escape
	return p, !escaped
}

// match reports whether value matches the whole pattern.
// % matches any sequence of characters, _ matches exactly one.
func (p likePattern) match(value string) bool {
	v := []rune(value)
	pi, vi := 0, 0
	starIdx, matchIdx := -1, 0

	for vi < len(v) {
		if pi < len(p) && (p[pi].kind == likeOne || (p[pi].kind == likeLiteral && p[pi].r == v[vi])) {
			pi++
			vi++
		} else if pi < len(p) && p[pi].kind == likeMany {
			starIdx = pi
			matchIdx = vi
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			vi = matchIdx
		} else {
			return false
		}
	}

	for pi < len(p) && p[pi].kind == likeMany {
		pi++
	}
	return pi == len(p)
}
