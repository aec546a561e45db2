package selector

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokPlus
	tokMinus
	tokStar
	tokSlash

	// keywords
	tokAnd
	tokOr
	tokNot
	tokBetween
	tokIn
	tokLike
	tokEscape
	tokIs
	tokNull
	tokTrue
	tokFalse
)

var keywords = map[string]tokenKind{
	"AND":     tokAnd,
	"OR":      tokOr,
	"NOT":     tokNot,
	"BETWEEN": tokBetween,
	"IN":      tokIn,
	"LIKE":    tokLike,
	"ESCAPE":  tokEscape,
	"IS":      tokIs,
	"NULL":    tokNull,
	"TRUE":    tokTrue,
	"FALSE":   tokFalse,
}

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of input",
	tokIdent:  "identifier",
	tokString: "string literal",
	tokNumber: "numeric literal",
	tokLParen: "'('",
	tokRParen: "')'",
	tokComma:  "','",
	tokEq:     "'='",
	tokNe:     "'<>'",
	tokLt:     "'<'",
	tokLe:     "'<='",
	tokGt:     "'>'",
	tokGe:     "'>='",
	tokPlus:   "'+'",
	tokMinus:  "'-'",
	tokStar:   "'*'",
	tokSlash:  "'/'",
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	for word, kind := range keywords {
		if kind == k {
			return word
		}
	}
	return fmt.Sprintf("token(%d)", k)
}

type token struct {
	kind tokenKind
	text string // identifier name, unquoted string value, or raw number text
	pos  int
}

// lexer turns selector text into tokens. It holds no state beyond the
// input position, so every Compile call gets its own.
type lexer struct {
	src string
	pos int
}

func (l *lexer) errorf(pos int, format string, a ...any) error {
	return &SyntaxError{Pos: pos, Reason: fmt.Sprintf(format, a...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += size
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch c {
	case '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case ',':
		l.pos++
		return token{kind: tokComma, pos: start}, nil
	case '=':
		l.pos++
		return token{kind: tokEq, pos: start}, nil
	case '+':
		l.pos++
		return token{kind: tokPlus, pos: start}, nil
	case '-':
		l.pos++
		return token{kind: tokMinus, pos: start}, nil
	case '*':
		l.pos++
		return token{kind: tokStar, pos: start}, nil
	case '/':
		l.pos++
		return token{kind: tokSlash, pos: start}, nil
	case '<':
		l.pos++
		if l.pos < len(l.src) {
			switch l.src[l.pos] {
			case '>':
				l.pos++
				return token{kind: tokNe, pos: start}, nil
			case '=':
				l.pos++
				return token{kind: tokLe, pos: start}, nil
			}
		}
		return token{kind: tokLt, pos: start}, nil
	case '>':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokGe, pos: start}, nil
		}
		return token{kind: tokGt, pos: start}, nil
	case '\'':
		return l.lexString()
	}

	if isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])) {
		return l.lexNumber()
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	if isIdentStart(r) {
		return l.lexIdent(), nil
	}
	return token{}, l.errorf(start, "unexpected character %q", r)
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf(start, "unterminated string literal")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '0' && l.pos+1 < len(l.src) && (l.src[l.pos+1] == 'x' || l.src[l.pos+1] == 'X') {
		l.pos += 2
		for l.pos < len(l.src) && isHexDigit(l.src[l.pos]) {
			l.pos++
		}
		if l.pos == start+2 {
			return token{}, l.errorf(start, "malformed hexadecimal literal")
		}
	} else {
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		if l.pos < len(l.src) && l.src[l.pos] == '.' {
			l.pos++
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
		if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
			digits := l.pos
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
			if l.pos == digits {
				return token{}, l.errorf(start, "malformed exponent")
			}
		}
	}
	if l.pos < len(l.src) {
		switch l.src[l.pos] {
		case 'l', 'L', 'f', 'F', 'd', 'D':
			l.pos++
		}
	}
	if l.pos < len(l.src) {
		r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		if isIdentPart(r) || r == '.' {
			return token{}, l.errorf(start, "malformed numeric literal %q", l.src[start:l.pos+1])
		}
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexIdent() token {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	text := l.src[start:l.pos]
	if kind, ok := keywords[strings.ToUpper(text)]; ok {
		return token{kind: kind, text: text, pos: start}
	}
	return token{kind: tokIdent, text: text, pos: start}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
