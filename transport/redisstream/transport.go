// Package redisstream implements transport.Transport on Redis Streams.
//
// A topic is a stream and a subscription is a consumer group, so a shared
// subscription spreads entries over the group's consumers. Negatively
// acknowledged entries are scheduled in a sorted set and claimed by the next
// consumer that pulls once they are due.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aleybovich/carrot-jms/config"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/transport"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/redis/go-redis/v9"
)

const (
	fieldProperties = "p"
	fieldBody       = "b"

	// lockTTL bounds how long a crashed exclusive consumer keeps its subscription
	lockTTL = 30 * time.Second

	maxAttempts = 3
)

// DefaultRetryBackoff paces retries of failed Redis calls
var DefaultRetryBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(20*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 2*time.Second),
)

// Option configures a Transport
type Option func(*Transport)

func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		t.log = logger.OrNil(l)
	}
}

// WithStreamPrefix sets the prefix prepended to every key
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithBlockInterval bounds a single blocking read
func WithBlockInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d >= time.Millisecond {
			t.block = d
		}
	}
}

// WithRetryBackoff sets the delay between retries of failed reads
func WithRetryBackoff(s backoff.Strategy) Option {
	return func(t *Transport) {
		t.retry = s
	}
}

// WithRedeliveryBackoff sets the delay before a nacked entry is offered again
func WithRedeliveryBackoff(s backoff.Strategy) Option {
	return func(t *Transport) {
		t.redelivery = s
	}
}

// Transport talks to Redis through a go-redis client
type Transport struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	block      time.Duration
	log        logger.Logger
	retry      backoff.Strategy
	redelivery backoff.Strategy
	now        func() time.Time
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an existing client. Close does not close the client.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:     client,
		prefix:     "jms:",
		block:      time.Second,
		log:        &logger.NilLogger{},
		retry:      DefaultRetryBackoff,
		redelivery: backoff.Constant(0),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to the server described by cfg and verifies the connection
func Dial(ctx context.Context, cfg config.RedisConfig, opts ...Option) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	base := []Option{WithStreamPrefix(cfg.StreamPrefix), WithBlockInterval(cfg.BlockInterval)}
	t := New(client, append(base, opts...)...)
	t.ownsClient = true
	t.log.Info("Connected to redis at %s (prefix '%s')", cfg.Addr, t.prefix)
	return t, nil
}

func (t *Transport) streamKey(topic string) string {
	return t.prefix + topic
}

func (t *Transport) subKey(topic, sub, suffix string) string {
	return t.prefix + topic + ":" + sub + ":" + suffix
}

// Publish appends msg to the topic stream
func (t *Transport) Publish(ctx context.Context, topic string, msg *transport.Message) (string, error) {
	args, err := t.addArgs(topic, msg)
	if err != nil {
		return "", err
	}
	return t.client.XAdd(ctx, args).Result()
}

func (t *Transport) addArgs(topic string, msg *transport.Message) (*redis.XAddArgs, error) {
	if topic == "" {
		return nil, errors.New("redisstream: topic name is empty")
	}
	props, err := transport.MarshalProperties(msg.Properties)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: t.streamKey(topic),
		Values: map[string]any{
			fieldProperties: string(props),
			fieldBody:       string(msg.Body),
		},
	}, nil
}

// EnsureSubscription creates the consumer group if it does not exist
func (t *Transport) EnsureSubscription(ctx context.Context, opts transport.SubscriptionOptions) error {
	if opts.Topic == "" || opts.Name == "" {
		return errors.New("redisstream: subscription needs a topic and a name")
	}
	start := "$"
	if opts.Initial == transport.Earliest {
		start = "0"
	}
	err := t.client.XGroupCreateMkStream(ctx, t.streamKey(opts.Topic), opts.Name, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group '%s' on '%s': %w", opts.Name, opts.Topic, err)
	}
	return nil
}

// Subscribe joins the consumer group as a new consumer
func (t *Transport) Subscribe(ctx context.Context, opts transport.SubscriptionOptions) (transport.Subscription, error) {
	if err := t.EnsureSubscription(ctx, opts); err != nil {
		return nil, err
	}

	s := &subscription{
		transport: t,
		opts:      opts,
		stream:    t.streamKey(opts.Topic),
		consumer:  newConsumerName(),
		owner:     t.subKey(opts.Topic, opts.Name, "owner"),
		refs:      t.subKey(opts.Topic, opts.Name, "refs"),
		redeliver: t.subKey(opts.Topic, opts.Name, "redeliver"),
		retries:   t.subKey(opts.Topic, opts.Name, "retries"),
	}

	if opts.Type == transport.Exclusive {
		ok, err := t.client.SetNX(ctx, s.owner, s.consumer, lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: '%s' on topic '%s'", transport.ErrSubscriptionBusy, opts.Name, opts.Topic)
		}
	} else {
		n, err := t.client.Exists(ctx, s.owner).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: '%s' on topic '%s'", transport.ErrSubscriptionBusy, opts.Name, opts.Topic)
		}
	}

	if err := t.client.Incr(ctx, s.refs).Err(); err != nil {
		s.releaseLock(ctx)
		return nil, err
	}
	t.log.Debug("Consumer '%s' joined group '%s' on '%s'", s.consumer, opts.Name, s.stream)
	return s, nil
}

// Begin starts a transaction applied with MULTI/EXEC on Commit
func (t *Transport) Begin(ctx context.Context) (transport.Transaction, error) {
	return &transaction{transport: t}, nil
}

// Close closes the client when the transport created it
func (t *Transport) Close() error {
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// withRetry runs fn until it succeeds, fails permanently, or maxAttempts is reached
func (t *Transport) withRetry(ctx context.Context, what string, fn func() error) error {
	counter := backoff.Counter{Strategy: t.retry}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !transient(err) || ctx.Err() != nil {
			return err
		}
		t.log.Warn("Redis %s failed (attempt %d/%d): %v", what, attempt, maxAttempts, err)
		if attempt < maxAttempts {
			if serr := counter.Sleep(ctx, err); serr != nil {
				return err
			}
		}
	}
	return err
}

func transient(err error) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	// server replies are permanent; anything else is a connection problem
	return !errors.As(err, &rerr)
}

func decodeEntry(topic string, x redis.XMessage) (*transport.Message, error) {
	msg := &transport.Message{ID: x.ID, Topic: topic}
	if ms, _, ok := strings.Cut(x.ID, "-"); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			msg.PublishTime = time.UnixMilli(n)
		}
	}
	if raw, ok := x.Values[fieldProperties].(string); ok && raw != "" {
		props, err := transport.UnmarshalProperties([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding properties of %s: %w", x.ID, err)
		}
		msg.Properties = props
	}
	if body, ok := x.Values[fieldBody].(string); ok {
		msg.Body = []byte(body)
	}
	return msg, nil
}
