// Package memory is an in-process broker implementing transport.Transport.
// Topics are append-only logs; subscriptions keep a cursor into the log plus
// the set of delivered-but-unacknowledged messages. With a storage provider
// configured, topic logs and durable subscriptions survive a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/storage"
	"github.com/aleybovich/carrot-jms/transport"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// DefaultRedeliveryBackoff paces redelivery of negatively acknowledged messages
var DefaultRedeliveryBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(10*time.Millisecond),
	linger.Limiter(0, time.Second),
)

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the broker logger
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		b.log = logger.OrNil(l)
	}
}

// WithStorage persists topic logs and durable subscriptions to p.
// The broker initializes p and recovers its state from it.
func WithStorage(p storage.StorageProvider) Option {
	return func(b *Broker) {
		b.provider = p
	}
}

// WithRedeliveryBackoff sets the delay before a negatively acknowledged
// message is offered again. n is the message's redelivery count.
func WithRedeliveryBackoff(s backoff.Strategy) Option {
	return func(b *Broker) {
		b.redelivery = s
	}
}

// Broker is an in-process message broker
type Broker struct {
	mu         sync.Mutex
	topics     map[string]*topic
	seq        int64
	changed    chan struct{} // closed and replaced whenever deliverable state changes
	closed     bool
	log        logger.Logger
	provider   storage.StorageProvider
	store      *persistence
	redelivery backoff.Strategy
	now        func() time.Time
}

var _ transport.Transport = (*Broker)(nil)

// NewBroker creates a broker, recovering persisted state when a storage
// provider is configured.
func NewBroker(opts ...Option) (*Broker, error) {
	b := &Broker{
		topics:     make(map[string]*topic),
		changed:    make(chan struct{}),
		log:        &logger.NilLogger{},
		redelivery: DefaultRedeliveryBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.provider != nil {
		if err := b.provider.Initialize(); err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		b.store = &persistence{provider: b.provider}
		if err := b.recover(); err != nil {
			b.provider.Close()
			return nil, fmt.Errorf("recovering broker state: %w", err)
		}
		b.log.Info("Persistence enabled, recovered %d topics", len(b.topics))
	}
	return b, nil
}

// notify wakes every parked Pull. Callers hold b.mu.
func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) topicFor(name string, j *journal) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name, 0)
		b.topics[name] = t
		j.putTopic(t)
		b.log.Debug("Created topic '%s'", name)
	}
	return t
}

// Publish appends a copy of msg to topic
func (b *Broker) Publish(ctx context.Context, topicName string, msg *transport.Message) (string, error) {
	if topicName == "" {
		return "", errors.New("memory: topic name is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", transport.ErrClosed
	}

	j := b.store.journal()
	id := b.appendLocked(topicName, msg, j)
	b.notify()

	if err := j.flush(); err != nil {
		b.log.Err("Failed to persist message %s on topic '%s': %v", id, topicName, err)
		return "", fmt.Errorf("memory: persisting message: %w", err)
	}
	return id, nil
}

func (b *Broker) appendLocked(topicName string, msg *transport.Message, j *journal) string {
	t := b.topicFor(topicName, j)

	b.seq++
	m := msg.Clone()
	m.ID = strconv.FormatInt(b.seq, 10)
	m.Topic = topicName
	m.PublishTime = b.now()
	m.RedeliveryCount = 0

	offset := t.append(m)
	j.putSeq(b.seq)
	j.putTopic(t)
	j.putMessage(t, offset, m)
	b.trimLocked(t, j)
	return m.ID
}

// Subscribe attaches a consumer to the named subscription, creating it if needed
func (b *Broker) Subscribe(ctx context.Context, opts transport.SubscriptionOptions) (transport.Subscription, error) {
	if opts.Topic == "" || opts.Name == "" {
		return nil, errors.New("memory: subscription needs a topic and a name")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}

	j := b.store.journal()
	t := b.topicFor(opts.Topic, j)
	s, ok := t.subs[opts.Name]
	if !ok {
		s = newSubscription(t, opts)
		t.subs[opts.Name] = s
		b.log.Debug("Created %s subscription '%s' on topic '%s' (durable: %v)", opts.Type, opts.Name, opts.Topic, opts.Durable)
	} else if len(s.consumers) > 0 {
		if s.typ == transport.Exclusive || opts.Type != s.typ {
			return nil, fmt.Errorf("%w: '%s' on topic '%s'", transport.ErrSubscriptionBusy, opts.Name, opts.Topic)
		}
	} else {
		s.typ = opts.Type
	}
	if opts.Durable {
		s.durable = true
	}

	c := &consumer{broker: b, sub: s, done: make(chan struct{})}
	s.consumers[c] = struct{}{}
	j.putSubscription(s)

	if err := j.flush(); err != nil {
		delete(s.consumers, c)
		return nil, fmt.Errorf("memory: persisting subscription: %w", err)
	}
	return c, nil
}

// EnsureSubscription creates the subscription if it does not exist, without
// attaching a consumer.
func (b *Broker) EnsureSubscription(ctx context.Context, opts transport.SubscriptionOptions) error {
	if opts.Topic == "" || opts.Name == "" {
		return errors.New("memory: subscription needs a topic and a name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}

	j := b.store.journal()
	t := b.topicFor(opts.Topic, j)
	if _, ok := t.subs[opts.Name]; !ok {
		s := newSubscription(t, opts)
		t.subs[opts.Name] = s
		j.putSubscription(s)
		b.log.Debug("Pre-created subscription '%s' on topic '%s'", opts.Name, opts.Topic)
	}
	return j.flush()
}

// Begin starts a transaction applied atomically on Commit
func (b *Broker) Begin(ctx context.Context) (transport.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	return &transaction{broker: b}, nil
}

// Close stops the broker and closes its storage provider
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.notify()
	b.mu.Unlock()

	if b.provider != nil {
		return b.provider.Close()
	}
	return nil
}

// Backlog returns the number of messages on a subscription that have not
// been acknowledged, including delivered ones. Unknown subscriptions report 0.
func (b *Broker) Backlog(topicName, subscription string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	s, ok := t.subs[subscription]
	if !ok {
		return 0
	}
	return s.backlog()
}

// Subscriptions lists the subscription names of a topic
func (b *Broker) Subscriptions(topicName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	return names
}

// trimLocked drops log entries every subscription has moved past
func (b *Broker) trimLocked(t *topic, j *journal) {
	low := t.end()
	for _, s := range t.subs {
		if w := s.lowWater(); w < low {
			low = w
		}
	}
	if from, to := t.trim(low); to > from {
		j.dropMessages(t, from, to)
	}
}

func (b *Broker) redeliveryDelay(attempt int) time.Duration {
	if b.redelivery == nil || attempt <= 0 {
		return 0
	}
	return b.redelivery(nil, uint(attempt-1))
}
