package carrotjms

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/config"
	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/transport"
	"github.com/aleybovich/carrot-jms/transport/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestSetClientIDBeforeUse(t *testing.T) {
	f := setupTestFactory(t, WithClientID("factory-id"))
	conn := setupTestConnection(t, f)
	assert.Equal(t, "factory-id", conn.ClientID())

	require.NoError(t, conn.SetClientID("orders-app"))
	assert.Equal(t, "orders-app", conn.ClientID())

	setupTestSession(t, conn, AutoAcknowledge)
	assert.ErrorIs(t, conn.SetClientID("late"), jmserror.ErrIllegalState)
	assert.Equal(t, "orders-app", conn.ClientID())
}

func TestCreateSessionRejectsUnknownMode(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)

	_, err := conn.CreateSession(AckMode(42))
	assert.ErrorIs(t, err, jmserror.ErrInvalidArgument)
}

// TestConnectionCloseUnblocksEverything closes a connection with a blocked
// receive and an active listener
func TestConnectionCloseUnblocksEverything(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()

	blocked, err := session.CreateConsumer(ctx, Queue(uniqueName("close")))
	require.NoError(t, err)
	listening, err := session.CreateConsumer(ctx, Topic(uniqueName("close")))
	require.NoError(t, err)
	require.NoError(t, listening.SetMessageListener(func(context.Context, *Message) error { return nil }))

	returned := make(chan error, 1)
	go func() {
		msg, err := blocked.Receive(ctx)
		if err == nil && msg != nil {
			err = assert.AnError
		}
		returned <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close(ctx))
	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after the connection closed")
	}

	require.NoError(t, conn.Close(ctx), "closing twice is a no-op")
	_, err = conn.CreateSession(AutoAcknowledge)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	_, err = session.CreateProducer(Queue("q"))
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	assert.ErrorIs(t, conn.Start(ctx), jmserror.ErrIllegalState)
}

func TestFactoryCloseClosesConnections(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	ctx := context.Background()

	require.NoError(t, f.Close(ctx))
	_, err := conn.CreateSession(AutoAcknowledge)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	_, err = f.CreateConnection(ctx)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
}

func TestNewConnectionFactoryRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Type = config.TransportTypeRedis
	cfg.Transport.Redis.Addr = ""

	_, err := NewConnectionFactory(WithConfig(cfg), WithLogger(NewMockLogger(t)))
	assert.Error(t, err, "redis transport without an address")
}

func TestCreateBrowserIsUnsupported(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)

	assert.ErrorIs(t, session.CreateBrowser(Queue("q")), jmserror.ErrUnsupportedOperation)
	assert.ErrorIs(t, session.CreateBrowser(Topic("t")), jmserror.ErrInvalidDestination)

	_, err := session.CreateQueue("")
	assert.ErrorIs(t, err, jmserror.ErrInvalidDestination)
	topic, err := session.CreateTopic("news")
	require.NoError(t, err)
	assert.Equal(t, "topic://news", topic.String())
}

// TestNamespaceQualifiesTopics checks that destinations land on namespaced
// broker topics
func TestNamespaceQualifiesTopics(t *testing.T) {
	f := setupTestFactory(t, WithNamespace("public/default"), WithQueueSubscriptionName("workers"))
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	name := uniqueName("ns")

	consumer, err := session.CreateConsumer(ctx, Queue(name))
	require.NoError(t, err)
	assert.Equal(t, "workers", consumer.SubscriptionName())

	broker, ok := f.transport.(interface{ Subscriptions(string) []string })
	require.True(t, ok, "factory uses the in-process broker")
	assert.Equal(t, []string{"workers"}, broker.Subscriptions("persistent://public/default/"+name))
}

// TestBuntDBStorageSurvivesRestart sends to a queue, closes the factory and
// receives from a new factory on the same file
func TestBuntDBStorageSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.db")
	ctx := context.Background()
	queue := Queue(uniqueName("persisted"))

	first, err := NewConnectionFactory(WithBuntDBStorage(path), WithLogger(NewMockLogger(t)))
	require.NoError(t, err)
	conn := setupTestConnection(t, first)
	session := setupTestSession(t, conn, AutoAcknowledge)
	producer, err := session.CreateProducer(queue)
	require.NoError(t, err)
	sendText(t, producer, "durable", nil)
	require.NoError(t, first.Close(ctx))

	second := setupTestFactory(t, WithBuntDBStorage(path))
	conn = setupTestConnection(t, second)
	session = setupTestSession(t, conn, AutoAcknowledge)
	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)

	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "durable", textOf(t, msg))
}

// TestRedisTransportRoundTrip runs a queue and a transaction over Redis Streams
func TestRedisTransportRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	f := setupTestFactory(t, WithRedisTransport(config.RedisConfig{
		Addr:          mr.Addr(),
		StreamPrefix:  "jms:",
		BlockInterval: 50 * time.Millisecond,
	}))
	conn := setupTestConnection(t, f)
	ctx := context.Background()
	queue := Queue(uniqueName("redis"))

	writer := setupTestSession(t, conn, AutoAcknowledge)
	producer, err := writer.CreateProducer(queue)
	require.NoError(t, err)
	sendText(t, producer, "over redis", map[string]any{"region": "eu"})

	txSession := setupTestSession(t, conn, Transacted)
	consumer, err := txSession.CreateConsumer(ctx, queue, WithSelector("region = 'eu'"))
	require.NoError(t, err)

	msg, err := consumer.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over redis", textOf(t, msg))
	region, err := msg.StringProperty("region")
	require.NoError(t, err)
	assert.Equal(t, "eu", region)

	require.NoError(t, txSession.Rollback(ctx))
	msg, err = consumer.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over redis", textOf(t, msg))
	assert.True(t, msg.Header().Redelivered)

	require.NoError(t, txSession.Commit(ctx))
	msg, err = consumer.ReceiveTimeout(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

// TestCloseKeepsStoppedConnectionStopped closes a stopped connection whose
// listener loop already holds a message and checks the listener never runs
func TestCloseKeepsStoppedConnectionStopped(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	queue := Queue(uniqueName("stopped-close"))

	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, conn.Stop(ctx))

	var calls atomic.Int32
	require.NoError(t, consumer.SetMessageListener(func(context.Context, *Message) error {
		calls.Add(1)
		return nil
	}))

	producer, err := session.CreateProducer(queue)
	require.NoError(t, err)
	sendText(t, producer, "held", nil)

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, calls.Load(), "listener called while stopped")

	require.NoError(t, conn.Close(ctx))
	assert.Zero(t, calls.Load(), "closing a stopped connection must not deliver")
}

// closeFailingBroker is an in-process broker whose subscriptions fail to close
type closeFailingBroker struct {
	*memory.Broker
	n atomic.Int32
}

type closeFailingSub struct {
	transport.Subscription
	err error
}

func (b *closeFailingBroker) Subscribe(ctx context.Context, opts transport.SubscriptionOptions) (transport.Subscription, error) {
	sub, err := b.Broker.Subscribe(ctx, opts)
	if err != nil {
		return nil, err
	}
	return closeFailingSub{sub, fmt.Errorf("detach %d failed", b.n.Add(1))}, nil
}

func (s closeFailingSub) Close() error {
	s.Subscription.Close()
	return s.err
}

// TestConnectionCloseReportsEverySessionError checks that the close errors
// of all sessions are returned, not only the first one
func TestConnectionCloseReportsEverySessionError(t *testing.T) {
	broker, err := memory.NewBroker()
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })

	f := setupTestFactory(t, WithTransport(&closeFailingBroker{Broker: broker}))
	conn := setupTestConnection(t, f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		session := setupTestSession(t, conn, AutoAcknowledge)
		_, err := session.CreateConsumer(ctx, Queue(uniqueName("close-err")))
		require.NoError(t, err)
	}

	err = conn.Close(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2, "one error per failing session: %v", err)
	assert.ErrorIs(t, err, jmserror.ErrProviderInternal)
	assert.Contains(t, err.Error(), "detach 1 failed")
	assert.Contains(t, err.Error(), "detach 2 failed")
}
