package carrotjms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/transport"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// MessageListener consumes messages delivered asynchronously. Returning an
// error (or panicking) leaves the message unacknowledged; in auto-acknowledge
// sessions it is redelivered.
type MessageListener func(ctx context.Context, msg *Message) error

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerSpec)

// WithSelector filters delivered messages with a message selector
func WithSelector(expr string) ConsumerOption {
	return func(s *consumerSpec) {
		s.selector = expr
	}
}

// WithNoLocal skips messages published by the consumer's own connection
func WithNoLocal() ConsumerOption {
	return func(s *consumerSpec) {
		s.noLocal = true
	}
}

// dispatchBackoff paces a listener loop whose transport keeps failing
var dispatchBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(50*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 5*time.Second),
)

// Consumer receives messages from a destination
type Consumer struct {
	session *Session
	dest    *Destination
	binding subscriptionBinding
	sub     transport.Subscription
	noLocal bool
	log     logger.Logger

	// ctx ends when the consumer closes; it unblocks receives and the dispatcher
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	listener   MessageListener
	stopListen context.CancelFunc
	dispatched chan struct{}
}

func (c *Consumer) Destination() *Destination {
	return c.dest
}

// Selector returns the selector text, or "" when every message is accepted
func (c *Consumer) Selector() string {
	return c.binding.selector.String()
}

// SubscriptionName returns the transport subscription the consumer is attached to
func (c *Consumer) SubscriptionName() string {
	return c.binding.options.Name
}

// Receive waits for the next message. It returns nil, nil when ctx ends or
// the consumer, its session or its connection is closed.
func (c *Consumer) Receive(ctx context.Context) (*Message, error) {
	return c.receive(ctx, -1)
}

// ReceiveTimeout waits up to d for the next message and returns nil, nil
// when none arrived. A zero d polls like ReceiveNoWait; a negative d waits
// like Receive.
func (c *Consumer) ReceiveTimeout(ctx context.Context, d time.Duration) (*Message, error) {
	if d < 0 {
		return c.receive(ctx, -1)
	}
	return c.receive(ctx, d)
}

// ReceiveNoWait returns the next message if one is immediately available
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*Message, error) {
	return c.receive(ctx, 0)
}

func (c *Consumer) receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil
	}
	if c.listener != nil {
		c.mu.Unlock()
		return nil, jmserror.New(jmserror.IllegalState, "consumer has a message listener")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	g := c.session.conn.gate
	if !g.isStarted() {
		if timeout == 0 {
			return nil, nil
		}
		wctx := ctx
		if timeout > 0 {
			var wcancel context.CancelFunc
			wctx, wcancel = context.WithDeadline(ctx, deadline)
			defer wcancel()
		}
		if g.wait(wctx) != nil {
			return nil, nil
		}
	}

	for {
		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}

		tm, err := c.sub.Pull(ctx, wait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil, nil
			}
			return nil, jmserror.Provider(err, "receive from %s", c.dest)
		}
		if tm == nil {
			return nil, nil
		}

		msg, err := c.accept(ctx, tm)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if err := c.session.delivered(ctx, c, tm.ID, msg); err != nil {
			return nil, err
		}
		if c.session.mode == AutoAcknowledge || c.session.mode == DupsOKAcknowledge {
			if err := c.sub.Ack(ctx, tm.ID); err != nil {
				return nil, jmserror.Provider(err, "acknowledge %s", tm.ID)
			}
		}
		return msg, nil
	}
}

// accept decodes tm and applies the no-local and selector filters. Rejected
// messages are acknowledged at the transport and nil is returned.
func (c *Consumer) accept(ctx context.Context, tm *transport.Message) (*Message, error) {
	msg, err := fromTransport(tm)
	if err != nil {
		c.log.Err("Dropping undecodable message %s on %s: %v", tm.ID, c.dest, err)
		if aerr := c.sub.Ack(ctx, tm.ID); aerr != nil {
			return nil, jmserror.Provider(aerr, "acknowledge %s", tm.ID)
		}
		return nil, err
	}

	skip := c.noLocal && connectionOf(tm) == c.session.conn.id
	if !skip && !c.binding.selector.Matches(msg) {
		skip = true
	}
	if skip {
		if err := c.sub.Ack(ctx, tm.ID); err != nil {
			return nil, jmserror.Provider(err, "acknowledge filtered %s", tm.ID)
		}
		return nil, nil
	}
	return msg, nil
}

// MessageListener returns the current listener, if any
func (c *Consumer) MessageListener() MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// SetMessageListener starts asynchronous delivery to l. A nil listener
// stops it; a new listener replaces the current one from the next message on.
func (c *Consumer) SetMessageListener(l MessageListener) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return jmserror.New(jmserror.IllegalState, "consumer is closed")
	}
	c.listener = l
	if l == nil {
		if c.stopListen != nil {
			c.stopListen()
			c.stopListen = nil
		}
		c.mu.Unlock()
		return nil
	}
	if c.stopListen != nil {
		c.mu.Unlock()
		return nil
	}
	prev := c.dispatched
	dctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.stopListen, c.dispatched = cancel, done
	c.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		c.dispatch(dctx, done)
	}()
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	g := c.session.conn.gate
	counter := backoff.Counter{Strategy: dispatchBackoff}

	for {
		if g.wait(ctx) != nil {
			return
		}
		tm, err := c.sub.Pull(ctx, -1)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			c.log.Warn("Listener on %s failed to receive: %v", c.dest, err)
			if counter.Sleep(ctx, err) != nil {
				return
			}
			continue
		}
		counter.Reset()
		if tm == nil {
			continue
		}

		msg, err := c.accept(ctx, tm)
		if err != nil {
			c.log.Warn("Listener on %s: %v", c.dest, err)
			continue
		}
		if msg == nil {
			continue
		}

		if !c.acquire(ctx) {
			c.release(tm.ID)
			return
		}
		l := c.MessageListener()
		if l == nil {
			c.session.leaveDispatch()
			c.release(tm.ID)
			return
		}
		c.deliver(tm.ID, msg, l)
		c.session.leaveDispatch()
	}
}

// acquire takes the session's dispatch slot while the connection is
// started. A message pulled just before a Stop is held until Start.
func (c *Consumer) acquire(ctx context.Context) bool {
	g := c.session.conn.gate
	for {
		if g.wait(ctx) != nil {
			return false
		}
		if !c.session.enterDispatch(ctx) {
			return false
		}
		if g.isStarted() {
			return true
		}
		c.session.leaveDispatch()
	}
}

// release hands back a message pulled by a dispatcher that is stopping
func (c *Consumer) release(id string) {
	if c.isClosed() {
		return // closing the subscription hands it back
	}
	if err := c.sub.Nack(context.Background(), id); err != nil {
		c.log.Warn("Failed to release %s: %v", id, err)
	}
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver runs one listener call with the session's dispatch slot held
func (c *Consumer) deliver(id string, msg *Message, l MessageListener) {
	s := c.session
	ctx := withScope(context.Background(), &scope{kind: listenerScope, session: s, consumer: c})

	if err := s.delivered(ctx, c, id, msg); err != nil {
		c.log.Err("Failed to track delivery of %s: %v", id, err)
		return
	}

	err := invokeListener(ctx, l, msg)
	auto := s.mode == AutoAcknowledge || s.mode == DupsOKAcknowledge
	if err != nil {
		c.log.Warn("Message listener on %s failed for %s: %v", c.dest, msg.header.MessageID, err)
		if auto {
			if nerr := c.sub.Nack(ctx, id); nerr != nil {
				c.log.Err("Failed to negatively acknowledge %s: %v", id, nerr)
			}
		}
		return
	}
	if auto {
		if aerr := c.sub.Ack(ctx, id); aerr != nil {
			c.log.Err("Failed to acknowledge %s: %v", id, aerr)
		}
	}
}

func invokeListener(ctx context.Context, l MessageListener, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l(ctx, msg)
}

// Close detaches the consumer. Blocked receives return nil, an in-progress
// listener call is waited for, and unacknowledged messages become available
// for redelivery.
func (c *Consumer) Close(ctx context.Context) error {
	if sc := scopeFrom(ctx); sc != nil && sc.session == c.session {
		if sc.kind == listenerScope && sc.consumer == c {
			return jmserror.New(jmserror.IllegalState, "cannot close a consumer from its own message listener")
		}
		if sc.kind == completionScope {
			return jmserror.New(jmserror.IllegalState, "cannot close a consumer from a completion listener")
		}
	}
	err := c.close()
	c.session.removeConsumer(c)
	return err
}

func (c *Consumer) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.dispatched
	c.listener = nil
	c.stopListen = nil
	c.mu.Unlock()

	c.cancel()
	if done != nil {
		<-done
	}

	s := c.session
	if s.txn.Transacted() {
		if n := len(s.txn.ForgetAll(c.sub)); n > 0 {
			c.log.Debug("Released %d transacted deliveries of closing consumer on %s", n, c.dest)
		}
	}
	s.acks.dropConsumer(c)

	if err := c.sub.Close(); err != nil {
		return jmserror.Provider(err, "closing consumer on %s", c.dest)
	}
	c.log.Debug("Consumer on %s (subscription '%s') closed", c.dest, c.binding.options.Name)
	return nil
}
