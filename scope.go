package carrotjms

import (
	"context"

	"github.com/aleybovich/carrot-jms/jmserror"
)

type scopeKind int

const (
	listenerScope scopeKind = iota + 1
	completionScope
)

// scope marks a context handed to a message or completion listener so that
// calls made from inside the callback can be recognised
type scope struct {
	kind     scopeKind
	session  *Session
	consumer *Consumer
	producer *Producer
}

type scopeKey struct{}

func withScope(ctx context.Context, sc *scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

func scopeFrom(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// checkNotInCompletion rejects op when called from a completion listener of s
func checkNotInCompletion(ctx context.Context, s *Session, op string) error {
	if sc := scopeFrom(ctx); sc != nil && sc.kind == completionScope && sc.session == s {
		return jmserror.New(jmserror.IllegalState, "cannot %s from a completion listener", op)
	}
	return nil
}

// checkNotInListener rejects op when called from a message listener of s
func checkNotInListener(ctx context.Context, s *Session, op string) error {
	if sc := scopeFrom(ctx); sc != nil && sc.kind == listenerScope && sc.session == s {
		return jmserror.New(jmserror.IllegalState, "cannot %s from its own message listener", op)
	}
	return nil
}
