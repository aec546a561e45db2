// Package carrotjms provides a JMS-style messaging API (queues, topics,
// transacted sessions, message selectors and acknowledgment modes) on top of
// a broker whose native primitives are topics and subscriptions.
//
// A queue is emulated with one shared subscription per queue topic, so each
// message goes to a single consumer; a topic consumer gets its own
// subscription and therefore every message.
package carrotjms

import (
	"context"
	"fmt"
	"sync"

	"github.com/aleybovich/carrot-jms/config"
	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/storage"
	"github.com/aleybovich/carrot-jms/transport"
	"github.com/aleybovich/carrot-jms/transport/memory"
	"github.com/aleybovich/carrot-jms/transport/redisstream"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ConnectionFactory creates connections that share one transport.
// The transport is created with the first connection.
type ConnectionFactory struct {
	cfg      config.Config
	log      logger.Logger
	provider storage.StorageProvider

	mu        sync.Mutex
	transport transport.Transport
	owned     bool // transport was created by the factory
	conns     map[*Connection]struct{}
	closed    bool
}

// FactoryOption is a function that configures a ConnectionFactory.
// Use the provided With* functions to create FactoryOptions.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	cfg       *config.Config
	log       logger.Logger
	transport transport.Transport
	provider  storage.StorageProvider
}

// NewConnectionFactory creates a factory. Without options it uses the
// in-process broker, the "jms-queue" queue subscription and a zap logger
// writing JSON to stdout.
func NewConnectionFactory(opts ...FactoryOption) (*ConnectionFactory, error) {
	options := &factoryOptions{cfg: config.Default()}
	for _, opt := range opts {
		opt(options)
	}

	if err := options.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := options.log
	if log == nil {
		var err error
		if log, err = options.cfg.Logging.Build(); err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	return &ConnectionFactory{
		cfg:       *options.cfg,
		log:       log,
		provider:  options.provider,
		transport: options.transport,
		conns:     make(map[*Connection]struct{}),
	}, nil
}

// WithConfig replaces the whole configuration
func WithConfig(cfg *config.Config) FactoryOption {
	return func(opts *factoryOptions) {
		c := *cfg
		opts.cfg = &c
	}
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, the logger described by the logging configuration is built.
func WithLogger(l logger.Logger) FactoryOption {
	return func(opts *factoryOptions) {
		opts.log = l
	}
}

// WithTransport uses an existing transport. The factory does not close it.
func WithTransport(t transport.Transport) FactoryOption {
	return func(opts *factoryOptions) {
		opts.transport = t
	}
}

// WithMemoryTransport selects the in-process broker
func WithMemoryTransport() FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Transport.Type = config.TransportTypeMemory
	}
}

// WithRedisTransport selects the Redis Streams transport
func WithRedisTransport(cfg config.RedisConfig) FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Transport.Type = config.TransportTypeRedis
		opts.cfg.Transport.Redis = cfg
	}
}

// WithBuntDBStorage is a convenience option that persists the in-process
// broker's state using BuntDB at the specified file path.
func WithBuntDBStorage(path string) FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Storage = config.StorageConfig{
			Type:   config.StorageTypeBuntDB,
			BuntDB: &config.BuntDBConfig{Path: path},
		}
	}
}

// WithStorageProvider allows for the injection of a custom storage implementation
// for the in-process broker
func WithStorageProvider(provider storage.StorageProvider) FactoryOption {
	return func(opts *factoryOptions) {
		opts.provider = provider
	}
}

// WithClientID sets the client ID of created connections
func WithClientID(id string) FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Destinations.ClientID = id
	}
}

// WithNamespace qualifies destination names as persistent://<namespace>/<name>
func WithNamespace(ns string) FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Destinations.Namespace = ns
	}
}

// WithQueueSubscriptionName sets the subscription shared by queue consumers
func WithQueueSubscriptionName(name string) FactoryOption {
	return func(opts *factoryOptions) {
		opts.cfg.Destinations.QueueSubscriptionName = name
	}
}

// Logger returns the factory's logger
func (f *ConnectionFactory) Logger() logger.Logger {
	return f.log
}

// CreateConnection creates a started connection
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (*Connection, error) {
	t, err := f.ensureTransport(ctx)
	if err != nil {
		return nil, err
	}

	dc := f.cfg.Destinations
	c := &Connection{
		id:              uuid.NewString(),
		transport:       t,
		log:             f.log,
		namespace:       dc.Namespace,
		queueSub:        dc.QueueSubscriptionName,
		precreateQueues: dc.PrecreateQueueSubscription,
		gate:            newGate(),
		clientID:        dc.ClientID,
		resolver:        newResolver(dc.Namespace, dc.QueueSubscriptionName, dc.ClientID),
		sessions:        make(map[*Session]struct{}),
		onClose:         f.forget,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, jmserror.New(jmserror.IllegalState, "connection factory is closed")
	}
	f.conns[c] = struct{}{}
	f.log.Info("Connection %s created (transport %s)", c.id, f.cfg.Transport.Type)
	return c, nil
}

func (f *ConnectionFactory) forget(c *Connection) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

func (f *ConnectionFactory) ensureTransport(ctx context.Context) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, jmserror.New(jmserror.IllegalState, "connection factory is closed")
	}
	if f.transport != nil {
		return f.transport, nil
	}

	t, err := f.buildTransport(ctx)
	if err != nil {
		return nil, err
	}
	f.transport, f.owned = t, true
	return t, nil
}

func (f *ConnectionFactory) buildTransport(ctx context.Context) (transport.Transport, error) {
	redelivery := redeliveryBackoff(f.cfg.Consumer)

	switch f.cfg.Transport.Type {
	case config.TransportTypeRedis:
		opts := []redisstream.Option{redisstream.WithLogger(f.log)}
		if redelivery != nil {
			opts = append(opts, redisstream.WithRedeliveryBackoff(redelivery))
		}
		return redisstream.Dial(ctx, f.cfg.Transport.Redis, opts...)

	default:
		opts := []memory.Option{memory.WithLogger(f.log)}
		if redelivery != nil {
			opts = append(opts, memory.WithRedeliveryBackoff(redelivery))
		}
		provider := f.provider
		if provider == nil {
			provider = storageProvider(f.cfg.Storage, f.log)
		}
		if provider != nil {
			opts = append(opts, memory.WithStorage(provider))
		}
		return memory.NewBroker(opts...)
	}
}

// storageProvider returns the provider described by cfg, or nil when
// persistence is disabled
func storageProvider(cfg config.StorageConfig, log logger.Logger) storage.StorageProvider {
	switch cfg.Type {
	case config.StorageTypeMemory:
		log.Info("Using in-memory storage (BuntDB)")
		return storage.NewBuntDBProvider(":memory:")

	case config.StorageTypeBuntDB:
		path := ":memory:"
		if cfg.BuntDB != nil && cfg.BuntDB.Path != "" {
			path = cfg.BuntDB.Path
		}
		log.Info("Using persistent BuntDB storage at: %s", path)
		return storage.NewBuntDBProvider(path)

	default:
		log.Info("Persistence disabled")
		return nil
	}
}

// redeliveryBackoff turns the negative-ack delays into a backoff strategy,
// or nil to keep the transport default
func redeliveryBackoff(cfg config.ConsumerConfig) backoff.Strategy {
	if cfg.NegativeAckDelay <= 0 {
		return nil
	}
	s := backoff.Exponential(cfg.NegativeAckDelay)
	if cfg.MaxNegativeAckDelay > 0 {
		return backoff.WithTransforms(s, linger.Limiter(0, cfg.MaxNegativeAckDelay))
	}
	return s
}

// Close closes every open connection and the transport the factory created
func (f *ConnectionFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]*Connection, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	t, owned := f.transport, f.owned
	f.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close(ctx))
	}
	if owned && t != nil {
		err = multierr.Append(err, t.Close())
	}
	return err
}
