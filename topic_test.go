package carrotjms

import (
	"context"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/jmserror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTopicFanOut checks that every subscriber sees every message
func TestTopicFanOut(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("fanout"))

	c1, err := session.CreateConsumer(ctx, topic)
	require.NoError(t, err)
	c2, err := session.CreateConsumer(ctx, topic)
	require.NoError(t, err)
	assert.NotEqual(t, c1.SubscriptionName(), c2.SubscriptionName())

	producer, err := session.CreateProducer(topic)
	require.NoError(t, err)
	sendText(t, producer, "one", nil)
	sendText(t, producer, "two", nil)

	for _, c := range []*Consumer{c1, c2} {
		for _, want := range []string{"one", "two"} {
			msg, err := c.ReceiveTimeout(ctx, time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, textOf(t, msg))
			assert.Equal(t, topic, msg.Header().Destination)
		}
	}
}

// TestTopicMessagesBeforeSubscriptionAreMissed checks that a plain topic
// consumer starts at the end of the topic
func TestTopicMessagesBeforeSubscriptionAreMissed(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("late"))

	producer, err := session.CreateProducer(topic)
	require.NoError(t, err)
	sendText(t, producer, "early", nil)

	consumer, err := session.CreateConsumer(ctx, topic)
	require.NoError(t, err)
	sendText(t, producer, "late", nil)

	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", textOf(t, msg))
}

// TestDurableSubscriptionResumes closes a durable consumer, publishes and
// reattaches under the same name
func TestDurableSubscriptionResumes(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	require.NoError(t, conn.SetClientID("reporting"))
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("durable"))

	consumer, err := session.CreateDurableConsumer(ctx, topic, "audit")
	require.NoError(t, err)
	assert.Equal(t, "reporting_audit", consumer.SubscriptionName())

	_, err = session.CreateDurableConsumer(ctx, topic, "audit")
	assert.ErrorIs(t, err, jmserror.ErrIllegalState, "a durable subscription has one consumer")

	producer, err := session.CreateProducer(topic)
	require.NoError(t, err)
	sendText(t, producer, "before close", nil)
	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "before close", textOf(t, msg))
	require.NoError(t, consumer.Close(ctx))

	sendText(t, producer, "while away", nil)

	consumer, err = session.CreateDurableConsumer(ctx, topic, "audit")
	require.NoError(t, err)
	msg, err = consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "while away", textOf(t, msg))
}

// TestSharedSubscriptionSplitsMessages attaches two shared consumers to the
// same subscription and checks each message is seen once
func TestSharedSubscriptionSplitsMessages(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	s1 := setupTestSession(t, conn, AutoAcknowledge)
	s2 := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("shared"))

	c1, err := s1.CreateSharedConsumer(ctx, topic, "workers")
	require.NoError(t, err)
	c2, err := s2.CreateSharedConsumer(ctx, topic, "workers")
	require.NoError(t, err)
	assert.Equal(t, c1.SubscriptionName(), c2.SubscriptionName())

	other, err := s2.CreateConsumer(ctx, topic)
	require.NoError(t, err)

	producer, err := s1.CreateProducer(topic)
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c", "d"} {
		sendText(t, producer, body, nil)
	}

	seen := map[string]int{}
	for len(seen) < 4 {
		progress := false
		for _, c := range []*Consumer{c1, c2} {
			msg, err := c.ReceiveTimeout(ctx, 100*time.Millisecond)
			require.NoError(t, err)
			if msg != nil {
				seen[textOf(t, msg)]++
				progress = true
			}
		}
		require.True(t, progress, "shared subscription stalled")
	}
	for body, n := range seen {
		assert.Equal(t, 1, n, "message %s", body)
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		msg, err := other.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, textOf(t, msg), "independent subscriber sees everything")
	}
}

func TestSharedDurableSubscription(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	require.NoError(t, conn.SetClientID("billing"))
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("shared-durable"))

	c1, err := session.CreateSharedDurableConsumer(ctx, topic, "invoices")
	require.NoError(t, err)
	c2, err := session.CreateSharedDurableConsumer(ctx, topic, "invoices")
	require.NoError(t, err)
	assert.Equal(t, "billing_invoices", c1.SubscriptionName())
	require.NoError(t, c1.Close(ctx))
	require.NoError(t, c2.Close(ctx))

	producer, err := session.CreateProducer(topic)
	require.NoError(t, err)
	sendText(t, producer, "kept", nil)

	c3, err := session.CreateSharedDurableConsumer(ctx, topic, "invoices")
	require.NoError(t, err)
	msg, err := c3.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kept", textOf(t, msg))
}

// TestNoLocalSkipsOwnConnection publishes from two connections and checks
// the no-local consumer only sees the other one
func TestNoLocalSkipsOwnConnection(t *testing.T) {
	f := setupTestFactory(t)
	local := setupTestConnection(t, f)
	remote := setupTestConnection(t, f)
	ctx := context.Background()
	topic := Topic(uniqueName("nolocal"))

	localSession := setupTestSession(t, local, AutoAcknowledge)
	remoteSession := setupTestSession(t, remote, AutoAcknowledge)

	consumer, err := localSession.CreateConsumer(ctx, topic, WithNoLocal())
	require.NoError(t, err)

	localProducer, err := localSession.CreateProducer(topic)
	require.NoError(t, err)
	remoteProducer, err := remoteSession.CreateProducer(topic)
	require.NoError(t, err)

	sendText(t, localProducer, "mine", nil)
	sendText(t, remoteProducer, "theirs", nil)

	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "theirs", textOf(t, msg))

	msg, err = consumer.ReceiveNoWait(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTopicSelectorScenario(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	topic := Topic(uniqueName("prices"))

	consumer, err := session.CreateConsumer(ctx, topic, WithSelector("color = 'red' AND amount > 10"))
	require.NoError(t, err)
	producer, err := session.CreateProducer(topic)
	require.NoError(t, err)

	msg := NewTextMessage("match")
	require.NoError(t, msg.SetStringProperty("color", "red"))
	require.NoError(t, msg.SetIntProperty("amount", 20))
	require.NoError(t, producer.Send(ctx, msg))
	sendText(t, producer, "miss", map[string]any{"color": "red", "amount": int32(10)})

	got, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "match", textOf(t, got))
	v, ok := got.Property("amount")
	require.True(t, ok)
	assert.Equal(t, int32(20), v)

	got, err = consumer.ReceiveNoWait(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDurableConsumerOnQueueIsRejected(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)

	_, err := session.CreateDurableConsumer(context.Background(), Queue("q"), "name")
	assert.ErrorIs(t, err, jmserror.ErrInvalidDestination)
}
