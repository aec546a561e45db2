package carrotjms

import (
	"context"
	"sync"
	"time"

	"github.com/aleybovich/carrot-jms/internal/ordered"
	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"

	"github.com/google/uuid"
)

// CompletionListener is told the outcome of an asynchronous send. Calls
// happen on a separate goroutine in the order the sends were issued.
type CompletionListener interface {
	OnCompletion(ctx context.Context, msg Sendable)
	OnException(ctx context.Context, msg Sendable, err error)
}

// CompletionFuncs adapts a pair of functions to CompletionListener. Nil
// functions are skipped.
type CompletionFuncs struct {
	Completion func(ctx context.Context, msg Sendable)
	Exception  func(ctx context.Context, msg Sendable, err error)
}

func (f CompletionFuncs) OnCompletion(ctx context.Context, msg Sendable) {
	if f.Completion != nil {
		f.Completion(ctx, msg)
	}
}

func (f CompletionFuncs) OnException(ctx context.Context, msg Sendable, err error) {
	if f.Exception != nil {
		f.Exception(ctx, msg, err)
	}
}

// SendOption overrides a producer default for one send
type SendOption func(*sendOptions)

type sendOptions struct {
	deliveryMode DeliveryMode
	priority     int
	ttl          time.Duration
}

func WithDeliveryMode(m DeliveryMode) SendOption {
	return func(o *sendOptions) {
		o.deliveryMode = m
	}
}

func WithPriority(p int) SendOption {
	return func(o *sendOptions) {
		o.priority = p
	}
}

func WithTimeToLive(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.ttl = ttl
	}
}

// Producer sends messages to a fixed destination, or to a destination given
// per call when created without one
type Producer struct {
	session *Session
	dest    *Destination
	log     logger.Logger

	mu               sync.Mutex
	closed           bool
	deliveryMode     DeliveryMode
	priority         int
	ttl              time.Duration
	deliveryDelay    time.Duration
	disableID        bool
	disableTimestamp bool
	ensured          map[string]struct{}
	tail             chan struct{} // closed when the latest send reached the transport

	completions *ordered.Queue
	now         func() time.Time
}

// Destination returns the producer's destination, or nil for an
// unidentified producer
func (p *Producer) Destination() *Destination {
	return p.dest
}

func (p *Producer) SetDeliveryMode(m DeliveryMode) error {
	if m != Persistent && m != NonPersistent {
		return jmserror.New(jmserror.InvalidArgument, "invalid delivery mode %d", int(m))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryMode = m
	return nil
}

func (p *Producer) DeliveryMode() DeliveryMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliveryMode
}

func (p *Producer) SetPriority(priority int) error {
	if priority < 0 || priority > 9 {
		return jmserror.New(jmserror.InvalidArgument, "priority %d out of range 0-9", priority)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = priority
	return nil
}

func (p *Producer) Priority() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority
}

// SetTimeToLive sets the default time to live. Sends with a positive value
// fail because no transport expires messages.
func (p *Producer) SetTimeToLive(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl = ttl
}

func (p *Producer) TimeToLive() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ttl
}

// SetDeliveryDelay sets the delay stamped into the delivery time header
func (p *Producer) SetDeliveryDelay(d time.Duration) error {
	if d < 0 {
		return jmserror.New(jmserror.InvalidArgument, "negative delivery delay %s", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryDelay = d
	return nil
}

func (p *Producer) DeliveryDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliveryDelay
}

func (p *Producer) SetDisableMessageID(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableID = v
}

func (p *Producer) DisableMessageID() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disableID
}

func (p *Producer) SetDisableMessageTimestamp(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableTimestamp = v
}

func (p *Producer) DisableMessageTimestamp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disableTimestamp
}

// Send sends msg to the producer's destination and returns once the
// transport accepted it, or once it was buffered in a transacted session
func (p *Producer) Send(ctx context.Context, msg Sendable, opts ...SendOption) error {
	if p.dest == nil {
		return jmserror.New(jmserror.UnsupportedOperation, "producer has no destination, use SendTo")
	}
	return p.send(ctx, p.dest, msg, opts)
}

// SendTo sends msg to dest. Only unidentified producers may use it.
func (p *Producer) SendTo(ctx context.Context, dest *Destination, msg Sendable, opts ...SendOption) error {
	if p.dest != nil {
		return jmserror.New(jmserror.UnsupportedOperation, "producer is bound to %s", p.dest)
	}
	return p.send(ctx, dest, msg, opts)
}

// SendAsync starts sending msg to the producer's destination. The outcome
// is reported to listener.
func (p *Producer) SendAsync(ctx context.Context, msg Sendable, listener CompletionListener, opts ...SendOption) error {
	if p.dest == nil {
		return jmserror.New(jmserror.UnsupportedOperation, "producer has no destination, use SendToAsync")
	}
	return p.sendAsync(ctx, p.dest, msg, listener, opts)
}

// SendToAsync starts sending msg to dest. Only unidentified producers may use it.
func (p *Producer) SendToAsync(ctx context.Context, dest *Destination, msg Sendable, listener CompletionListener, opts ...SendOption) error {
	if p.dest != nil {
		return jmserror.New(jmserror.UnsupportedOperation, "producer is bound to %s", p.dest)
	}
	return p.sendAsync(ctx, dest, msg, listener, opts)
}

// prepared is a validated and stamped send ready for the transport
type prepared struct {
	dest  *Destination
	topic string
}

// prepare validates the send and stamps the message headers
func (p *Producer) prepare(dest *Destination, msg Sendable, opts []SendOption) (prepared, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return prepared{}, jmserror.New(jmserror.IllegalState, "producer is closed")
	}
	if dest == nil {
		return prepared{}, jmserror.New(jmserror.UnsupportedOperation, "destination is nil")
	}
	if msg == nil {
		return prepared{}, jmserror.New(jmserror.MessageFormat, "message is nil")
	}

	o := sendOptions{deliveryMode: p.deliveryMode, priority: p.priority, ttl: p.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl > 0 {
		return prepared{}, jmserror.New(jmserror.ProviderInternal, "time to live not supported")
	}
	if o.priority < 0 || o.priority > 9 {
		return prepared{}, jmserror.New(jmserror.InvalidArgument, "priority %d out of range 0-9", o.priority)
	}
	if o.deliveryMode != Persistent && o.deliveryMode != NonPersistent {
		return prepared{}, jmserror.New(jmserror.InvalidArgument, "invalid delivery mode %d", int(o.deliveryMode))
	}

	topic, err := p.session.conn.resolver.resolveProducer(dest)
	if err != nil {
		return prepared{}, err
	}

	now := p.now()
	h := msg.Header()
	h.Destination = dest
	h.DeliveryMode = o.deliveryMode
	h.Priority = o.priority
	h.Expiration = time.Time{}
	h.Timestamp = time.Time{}
	if !p.disableTimestamp {
		h.Timestamp = now
	}
	h.MessageID = ""
	if !p.disableID {
		h.MessageID = "ID:" + uuid.NewString()
	}
	h.DeliveryTime = now.Add(p.deliveryDelay)
	return prepared{dest: dest, topic: topic}, nil
}

func (p *Producer) send(ctx context.Context, dest *Destination, msg Sendable, opts []SendOption) error {
	if err := p.session.checkOpen(); err != nil {
		return err
	}
	pr, err := p.prepare(dest, msg, opts)
	if err != nil {
		return err
	}
	prev, done := p.nextSlot()
	defer close(done)
	<-prev
	return p.deliver(ctx, pr, msg)
}

// nextSlot queues a send behind the previous one so that sends reach the
// transport in the order they were made
func (p *Producer) nextSlot() (prev <-chan struct{}, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev = p.tail
	done = make(chan struct{})
	p.tail = done
	return prev, done
}

// deliver hands a prepared message to the transaction or the transport
func (p *Producer) deliver(ctx context.Context, pr prepared, msg Sendable) error {
	tm, err := toTransport(msg, p.session.conn.id)
	if err != nil {
		return err
	}
	if err := p.ensureQueue(ctx, pr); err != nil {
		return err
	}

	s := p.session
	if s.txn.Transacted() {
		return s.txn.EnqueueSend(pr.topic, tm)
	}
	if _, err := s.conn.transport.Publish(ctx, pr.topic, tm); err != nil {
		return jmserror.Provider(err, "publish to %s", pr.dest)
	}
	return nil
}

// ensureQueue makes sure a queue retains messages sent before its first
// consumer attaches
func (p *Producer) ensureQueue(ctx context.Context, pr prepared) error {
	conn := p.session.conn
	if !pr.dest.IsQueue() || !conn.precreateQueues {
		return nil
	}
	p.mu.Lock()
	_, done := p.ensured[pr.topic]
	p.mu.Unlock()
	if done {
		return nil
	}
	if err := conn.transport.EnsureSubscription(ctx, conn.resolver.queueSubscription(pr.dest)); err != nil {
		return jmserror.Provider(err, "creating subscription for %s", pr.dest)
	}
	p.mu.Lock()
	p.ensured[pr.topic] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *Producer) sendAsync(ctx context.Context, dest *Destination, msg Sendable, listener CompletionListener, opts []SendOption) error {
	if listener == nil {
		return jmserror.New(jmserror.InvalidArgument, "completion listener is nil")
	}
	if err := p.session.checkOpen(); err != nil {
		return err
	}
	pr, err := p.prepare(dest, msg, opts)
	if err != nil {
		return err
	}

	cbctx := withScope(context.WithoutCancel(ctx), &scope{kind: completionScope, session: p.session, producer: p})
	ticket, err := p.completions.Issue(func(err error) {
		if err != nil {
			listener.OnException(cbctx, msg, err)
			return
		}
		listener.OnCompletion(cbctx, msg)
	})
	if err != nil {
		return jmserror.New(jmserror.IllegalState, "producer is closed")
	}

	prev, done := p.nextSlot()
	if p.session.txn.Transacted() {
		<-prev
		ticket.Complete(p.deliver(ctx, pr, msg))
		close(done)
		return nil
	}

	pctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		<-prev
		ticket.Complete(p.deliver(pctx, pr, msg))
	}()
	return nil
}

// Close waits for in-flight asynchronous sends and their callbacks
func (p *Producer) Close(ctx context.Context) error {
	if err := checkNotInCompletion(ctx, p.session, "close a producer"); err != nil {
		return err
	}
	err := p.close(ctx)
	p.session.removeProducer(p)
	return err
}

func (p *Producer) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if err := p.completions.Close(ctx); err != nil {
		return jmserror.Wrap(jmserror.IllegalState, err, "waiting for asynchronous sends")
	}
	return nil
}
