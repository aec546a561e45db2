package carrotjms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aleybovich/carrot-jms/internal/ordered"
	"github.com/aleybovich/carrot-jms/internal/txn"
	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/transport"

	"go.uber.org/multierr"
)

// Session is a single-threaded context for producing and consuming
// messages. Listener calls of all its consumers are serialized.
type Session struct {
	conn *Connection
	mode AckMode
	log  logger.Logger
	txn  *txn.Coordinator
	acks *ackTracker

	// dispatch holds one token; a listener call runs while holding it
	dispatch chan struct{}

	mu        sync.Mutex
	closed    bool
	producers map[*Producer]struct{}
	consumers map[*Consumer]struct{}
}

func newSession(conn *Connection, mode AckMode) *Session {
	s := &Session{
		conn:      conn,
		mode:      mode,
		log:       conn.log,
		acks:      &ackTracker{},
		dispatch:  make(chan struct{}, 1),
		producers: make(map[*Producer]struct{}),
		consumers: make(map[*Consumer]struct{}),
	}
	if mode == Transacted {
		s.txn = txn.New(conn.transport.Begin, conn.log)
	} else {
		s.txn = txn.NewNonTransactional()
	}
	return s
}

func (s *Session) AckMode() AckMode {
	return s.mode
}

func (s *Session) Transacted() bool {
	return s.mode == Transacted
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jmserror.New(jmserror.IllegalState, "session is closed")
	}
	return nil
}

// CreateQueue returns a queue destination
func (s *Session) CreateQueue(name string) (*Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, jmserror.New(jmserror.InvalidDestination, "queue name is empty")
	}
	return Queue(name), nil
}

// CreateTopic returns a topic destination
func (s *Session) CreateTopic(name string) (*Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, jmserror.New(jmserror.InvalidDestination, "topic name is empty")
	}
	return Topic(name), nil
}

// CreateProducer creates a producer bound to dest, or an unidentified
// producer when dest is nil
func (s *Session) CreateProducer(dest *Destination) (*Producer, error) {
	if dest != nil {
		if _, err := s.conn.resolver.resolveProducer(dest); err != nil {
			return nil, err
		}
	}
	tail := make(chan struct{})
	close(tail)
	p := &Producer{
		session:      s,
		dest:         dest,
		log:          s.log,
		deliveryMode: DefaultDeliveryMode,
		priority:     DefaultPriority,
		ensured:      make(map[string]struct{}),
		tail:         tail,
		completions:  ordered.New(s.log),
		now:          time.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, jmserror.New(jmserror.IllegalState, "session is closed")
	}
	s.producers[p] = struct{}{}
	return p, nil
}

// CreateConsumer creates a consumer of a queue or a non-durable consumer of a topic
func (s *Session) CreateConsumer(ctx context.Context, dest *Destination, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, dest, consumerSpec{kind: plainConsumer}, opts)
}

// CreateDurableConsumer creates the single consumer of a durable topic subscription
func (s *Session) CreateDurableConsumer(ctx context.Context, topic *Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, consumerSpec{kind: durableConsumer, subscription: name}, opts)
}

// CreateSharedConsumer attaches to a non-durable topic subscription shared
// with other consumers of the same name
func (s *Session) CreateSharedConsumer(ctx context.Context, topic *Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, consumerSpec{kind: sharedConsumer, subscription: name}, opts)
}

// CreateSharedDurableConsumer attaches to a durable topic subscription
// shared with other consumers of the same name
func (s *Session) CreateSharedDurableConsumer(ctx context.Context, topic *Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, consumerSpec{kind: sharedDurableConsumer, subscription: name}, opts)
}

// CreateBrowser fails: no transport can inspect a subscription without
// consuming from it. Topics are rejected as invalid destinations.
func (s *Session) CreateBrowser(dest *Destination) error {
	if err := validateDestination(dest); err != nil {
		return err
	}
	if !dest.IsQueue() {
		return jmserror.New(jmserror.InvalidDestination, "cannot browse %s", dest)
	}
	return jmserror.New(jmserror.UnsupportedOperation, "queue browsing is not supported")
}

func (s *Session) createConsumer(ctx context.Context, dest *Destination, spec consumerSpec, opts []ConsumerOption) (*Consumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&spec)
	}
	binding, err := s.conn.resolver.resolveConsumer(dest, spec)
	if err != nil {
		return nil, err
	}

	sub, err := s.conn.transport.Subscribe(ctx, binding.options)
	if err != nil {
		if errors.Is(err, transport.ErrSubscriptionBusy) {
			return nil, jmserror.Wrap(jmserror.IllegalState, err, "subscription '%s' already has a consumer", binding.options.Name)
		}
		return nil, jmserror.Provider(err, "subscribing to %s", dest)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		session: s,
		dest:    dest,
		binding: binding,
		sub:     sub,
		noLocal: spec.noLocal,
		log:     s.log,
		ctx:     cctx,
		cancel:  cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		sub.Close()
		return nil, jmserror.New(jmserror.IllegalState, "session is closed")
	}
	s.consumers[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("Consumer created on %s (subscription '%s', %s)", dest, binding.options.Name, binding.options.Type)
	return c, nil
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

func (s *Session) removeProducer(p *Producer) {
	s.mu.Lock()
	delete(s.producers, p)
	s.mu.Unlock()
}

// enterDispatch takes the session's listener slot
func (s *Session) enterDispatch(ctx context.Context) bool {
	select {
	case s.dispatch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) leaveDispatch() {
	<-s.dispatch
}

// quiesce waits for an in-progress listener call to return
func (s *Session) quiesce(ctx context.Context) error {
	if !s.enterDispatch(ctx) {
		return ctx.Err()
	}
	s.leaveDispatch()
	return nil
}

// delivered records a message surfaced to the application according to the
// acknowledgment mode
func (s *Session) delivered(ctx context.Context, c *Consumer, id string, msg *Message) error {
	switch s.mode {
	case Transacted:
		return s.txn.EnqueueAck(c.sub, id)
	case ClientAcknowledge:
		d := &delivery{session: s, consumer: c, id: id}
		s.acks.track(d)
		msg.delivery = d
	}
	return nil
}

func (s *Session) acknowledgeUpTo(ctx context.Context, d *delivery) error {
	if s.mode != ClientAcknowledge {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	return ackAll(ctx, s.acks.upTo(d))
}

// Acknowledge acknowledges every message delivered so far in a
// client-acknowledge session
func (s *Session) Acknowledge(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.mode != ClientAcknowledge {
		return jmserror.New(jmserror.IllegalState, "session is not in client-acknowledge mode")
	}
	return ackAll(ctx, s.acks.drain())
}

// Recover redelivers every unacknowledged message of a client-acknowledge
// session. It does nothing in auto-acknowledge sessions.
func (s *Session) Recover(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.mode == Transacted {
		return jmserror.New(jmserror.IllegalState, "cannot recover a transacted session")
	}
	if s.mode != ClientAcknowledge {
		return nil
	}
	ds := s.acks.drain()
	s.log.Debug("Recovering %d unacknowledged messages", len(ds))
	return nackAll(ctx, ds)
}

// Commit makes the sends of the current transaction visible and
// acknowledges its received messages. On failure the transaction is rolled
// back and the error matches jmserror.ErrTransactionRolledBack.
func (s *Session) Commit(ctx context.Context) error {
	if err := checkNotInCompletion(ctx, s, "commit"); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.Transacted() {
		return jmserror.New(jmserror.IllegalState, "session is not transacted")
	}
	released, err := s.txn.Commit(ctx)
	if err != nil {
		if rerr := s.redeliver(ctx, released); rerr != nil {
			s.log.Err("Failed to release messages of a failed commit: %v", rerr)
		}
		return err
	}
	return nil
}

// Rollback discards the sends of the current transaction and redelivers
// its received messages
func (s *Session) Rollback(ctx context.Context) error {
	if err := checkNotInCompletion(ctx, s, "roll back"); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.Transacted() {
		return jmserror.New(jmserror.IllegalState, "session is not transacted")
	}
	released, err := s.txn.Rollback(ctx)
	if err != nil {
		return err
	}
	return s.redeliver(ctx, released)
}

func (s *Session) redeliver(ctx context.Context, acks []txn.Ack) error {
	var err error
	for _, a := range acks {
		err = multierr.Append(err, a.Sub.Nack(ctx, a.ID))
	}
	return jmserror.Provider(err, "releasing messages")
}

// Close closes the session's consumers and producers, rolling back an open
// transaction
func (s *Session) Close(ctx context.Context) error {
	if err := checkNotInCompletion(ctx, s, "close a session"); err != nil {
		return err
	}
	if err := checkNotInListener(ctx, s, "close a session"); err != nil {
		return err
	}
	err := s.close(ctx)
	s.conn.removeSession(s)
	return err
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(s.producers))
	for p := range s.producers {
		producers = append(producers, p)
	}
	s.consumers = map[*Consumer]struct{}{}
	s.producers = map[*Producer]struct{}{}
	s.mu.Unlock()

	var err error
	for _, p := range producers {
		err = multierr.Append(err, p.close(ctx))
	}
	if s.Transacted() {
		released, rerr := s.txn.Rollback(ctx)
		err = multierr.Append(err, rerr)
		err = multierr.Append(err, s.redeliver(ctx, released))
	}
	for _, c := range consumers {
		err = multierr.Append(err, c.close())
	}
	s.log.Debug("Session (%s) closed", s.mode)
	return err
}
