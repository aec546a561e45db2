// Package selector implements the SQL-92 subset used for message selectors.
//
// A selector is compiled once and then evaluated against many messages:
//
//	sel, err := selector.Compile("color = 'red' AND amount > 10")
//	if err != nil {
//	    return err
//	}
//	if sel.Matches(selector.Map{"color": "red", "amount": int32(12)}) {
//	    ...
//	}
//
// Evaluation uses three-valued logic. A missing property is NULL, and any
// comparison involving NULL or mismatched types is UNKNOWN. A selector
// matches only when the whole expression is TRUE.
package selector

import (
	"fmt"
	"strings"

	"github.com/aleybovich/carrot-jms/jmserror"
)

// Result is the outcome of evaluating a selector
type Result uint8

const (
	Unknown Result = iota
	True
	False
)

func (r Result) String() string {
	switch r {
	case True:
		return "TRUE"
	case False:
		return "FALSE"
	default:
		return "UNKNOWN"
	}
}

// Source supplies header and property values by name
type Source interface {
	Lookup(name string) (any, bool)
}

// Map adapts a plain property map to Source
type Map map[string]any

func (m Map) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// SyntaxError describes where and why compilation failed
type SyntaxError struct {
	Pos    int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Reason, e.Pos)
}

// Selector is a compiled, immutable selector expression
type Selector struct {
	text string
	root node // nil matches everything
}

// Compile parses text. Empty or blank text yields a selector that matches
// every message. Parse failures are *jmserror.Error with code SelectorSyntax
// wrapping a *SyntaxError.
func Compile(text string) (*Selector, error) {
	if strings.TrimSpace(text) == "" {
		return &Selector{text: text}, nil
	}
	p := &parser{lex: lexer{src: text}}
	root, err := p.parse()
	if err != nil {
		return nil, jmserror.Wrap(jmserror.SelectorSyntax, err, "invalid selector %q", text)
	}
	return &Selector{text: text, root: root}, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(text string) *Selector {
	s, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the source text
func (s *Selector) String() string {
	return s.text
}

// Evaluate returns the three-valued result for src
func (s *Selector) Evaluate(src Source) Result {
	if s == nil || s.root == nil {
		return True
	}
	return truth(s.root.eval(src))
}

// Matches reports whether src satisfies the selector. UNKNOWN does not match.
func (s *Selector) Matches(src Source) bool {
	return s.Evaluate(src) == True
}
