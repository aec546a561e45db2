package carrotjms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/jmserror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener collects completion outcomes in callback order
type recordingListener struct {
	mu     sync.Mutex
	bodies []string
	errs   []error
	done   chan struct{}
	want   int
}

func newRecordingListener(want int) *recordingListener {
	return &recordingListener{done: make(chan struct{}), want: want}
}

func (r *recordingListener) record(msg Sendable, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := ""
	if m, ok := msg.(*Message); ok {
		text, _ = m.Text()
	}
	r.bodies = append(r.bodies, text)
	r.errs = append(r.errs, err)
	if len(r.bodies) == r.want {
		close(r.done)
	}
}

func (r *recordingListener) OnCompletion(ctx context.Context, msg Sendable) {
	r.record(msg, nil)
}

func (r *recordingListener) OnException(ctx context.Context, msg Sendable, err error) {
	r.record(msg, err)
}

func (r *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d completions arrived", len(r.bodies), r.want)
	}
}

// TestSendAsyncCompletesInOrder issues many asynchronous sends and checks
// callbacks and deliveries both follow issue order
func TestSendAsyncCompletesInOrder(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	queue := Queue(uniqueName("async"))

	producer, err := session.CreateProducer(queue)
	require.NoError(t, err)
	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)

	const n = 50
	listener := newRecordingListener(n)
	var want []string
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("m%02d", i)
		want = append(want, body)
		require.NoError(t, producer.SendAsync(ctx, NewTextMessage(body), listener))
	}
	listener.wait(t)

	assert.Equal(t, want, listener.bodies, "callbacks run in issue order")
	for _, err := range listener.errs {
		assert.NoError(t, err)
	}

	for _, body := range want {
		msg, err := consumer.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, body, textOf(t, msg), "messages arrive in send order")
	}
}

func TestSendAsyncValidation(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()

	producer, err := session.CreateProducer(nil)
	require.NoError(t, err)

	err = producer.SendToAsync(ctx, Queue(uniqueName("async")), NewTextMessage("x"), nil)
	assert.ErrorIs(t, err, jmserror.ErrInvalidArgument, "a completion listener is required")

	err = producer.SendToAsync(ctx, Queue("q"), NewTextMessage("x"), newRecordingListener(1), WithPriority(12))
	assert.ErrorIs(t, err, jmserror.ErrInvalidArgument, "validation errors are returned synchronously")
}

// TestProducerDestinationBinding checks Send and SendTo against bound and
// unidentified producers
func TestProducerDestinationBinding(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	queue := Queue(uniqueName("bound"))

	bound, err := session.CreateProducer(queue)
	require.NoError(t, err)
	assert.Equal(t, queue, bound.Destination())
	err = bound.SendTo(ctx, Queue("other"), NewTextMessage("x"))
	assert.ErrorIs(t, err, jmserror.ErrUnsupportedOperation)
	err = bound.SendToAsync(ctx, Queue("other"), NewTextMessage("x"), newRecordingListener(1))
	assert.ErrorIs(t, err, jmserror.ErrUnsupportedOperation)

	anonymous, err := session.CreateProducer(nil)
	require.NoError(t, err)
	assert.Nil(t, anonymous.Destination())
	err = anonymous.Send(ctx, NewTextMessage("x"))
	assert.ErrorIs(t, err, jmserror.ErrUnsupportedOperation)
	err = anonymous.SendTo(ctx, nil, NewTextMessage("x"))
	assert.ErrorIs(t, err, jmserror.ErrUnsupportedOperation)
	err = anonymous.SendTo(ctx, Queue(""), NewTextMessage("x"))
	assert.ErrorIs(t, err, jmserror.ErrInvalidDestination)

	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, anonymous.SendTo(ctx, queue, NewTextMessage("via SendTo")))
	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "via SendTo", textOf(t, msg))

	_, err = session.CreateProducer(Topic(""))
	assert.ErrorIs(t, err, jmserror.ErrInvalidDestination)
}

func TestProducerValidatesSendOptions(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()

	producer, err := session.CreateProducer(Queue(uniqueName("options")))
	require.NoError(t, err)

	assert.ErrorIs(t, producer.SetPriority(10), jmserror.ErrInvalidArgument)
	assert.ErrorIs(t, producer.SetPriority(-1), jmserror.ErrInvalidArgument)
	assert.ErrorIs(t, producer.SetDeliveryMode(DeliveryMode(7)), jmserror.ErrInvalidArgument)
	assert.ErrorIs(t, producer.SetDeliveryDelay(-time.Second), jmserror.ErrInvalidArgument)
	assert.Equal(t, DefaultPriority, producer.Priority())
	assert.Equal(t, Persistent, producer.DeliveryMode())

	err = producer.Send(ctx, NewTextMessage("x"), WithPriority(11))
	assert.ErrorIs(t, err, jmserror.ErrInvalidArgument)
	err = producer.Send(ctx, NewTextMessage("x"), WithDeliveryMode(0))
	assert.ErrorIs(t, err, jmserror.ErrInvalidArgument)

	err = producer.Send(ctx, NewTextMessage("x"), WithTimeToLive(time.Minute))
	assert.ErrorIs(t, err, jmserror.ErrProviderInternal)

	producer.SetTimeToLive(time.Second)
	err = producer.Send(ctx, NewTextMessage("x"))
	assert.ErrorIs(t, err, jmserror.ErrProviderInternal, "time to live is not supported")

	err = producer.Send(ctx, nil)
	assert.ErrorIs(t, err, jmserror.ErrMessageFormat)
}

// TestProducerStampsHeaders checks the headers set on send
func TestProducerStampsHeaders(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	queue := Queue(uniqueName("headers"))

	producer, err := session.CreateProducer(queue)
	require.NoError(t, err)
	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)

	fixed := time.UnixMilli(1_700_000_000_000)
	producer.now = func() time.Time { return fixed }
	require.NoError(t, producer.SetDeliveryDelay(time.Minute))

	sent := NewTextMessage("stamped")
	sent.Header().CorrelationID = "corr-1"
	sent.Header().Type = "invoice"
	sent.Header().ReplyTo = Topic("replies")
	require.NoError(t, producer.Send(ctx, sent, WithPriority(7), WithDeliveryMode(NonPersistent)))

	assert.True(t, strings.HasPrefix(sent.Header().MessageID, "ID:"), "message ID %q", sent.Header().MessageID)
	assert.Equal(t, fixed, sent.Header().Timestamp)

	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	h := msg.Header()
	assert.Equal(t, sent.Header().MessageID, h.MessageID)
	assert.Equal(t, fixed.UnixMilli(), h.Timestamp.UnixMilli())
	assert.Equal(t, fixed.Add(time.Minute).UnixMilli(), h.DeliveryTime.UnixMilli())
	assert.Equal(t, 7, h.Priority)
	assert.Equal(t, NonPersistent, h.DeliveryMode)
	assert.Equal(t, "corr-1", h.CorrelationID)
	assert.Equal(t, "invoice", h.Type)
	assert.Equal(t, Topic("replies"), h.ReplyTo)
	assert.Equal(t, queue, h.Destination)
	assert.False(t, h.Redelivered)
	assert.Equal(t, 1, h.DeliveryCount)
}

func TestProducerDisableIDAndTimestamp(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()
	queue := Queue(uniqueName("bare"))

	producer, err := session.CreateProducer(queue)
	require.NoError(t, err)
	producer.SetDisableMessageID(true)
	producer.SetDisableMessageTimestamp(true)
	assert.True(t, producer.DisableMessageID())
	assert.True(t, producer.DisableMessageTimestamp())

	consumer, err := session.CreateConsumer(ctx, queue)
	require.NoError(t, err)
	sendText(t, producer, "bare", nil)

	msg, err := consumer.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msg.Header().MessageID)
	assert.True(t, msg.Header().Timestamp.IsZero())
}

// TestCompletionListenerReentrancy calls forbidden operations from inside
// a completion callback
func TestCompletionListenerReentrancy(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, Transacted)
	ctx := context.Background()

	producer, err := session.CreateProducer(Queue(uniqueName("reentrant")))
	require.NoError(t, err)

	errs := make(chan []error, 1)
	listener := CompletionFuncs{
		Completion: func(ctx context.Context, msg Sendable) {
			errs <- []error{
				session.Commit(ctx),
				session.Rollback(ctx),
				producer.Close(ctx),
				session.Close(ctx),
			}
		},
	}
	require.NoError(t, producer.SendAsync(ctx, NewTextMessage("x"), listener))

	select {
	case got := <-errs:
		for i, err := range got {
			assert.ErrorIs(t, err, jmserror.ErrIllegalState, "call %d", i)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion listener was not called")
	}

	require.NoError(t, session.Commit(ctx), "commit outside the callback is allowed")
}

// TestProducerCloseWaitsForAsyncSends closes a producer with sends in flight
func TestProducerCloseWaitsForAsyncSends(t *testing.T) {
	f := setupTestFactory(t)
	conn := setupTestConnection(t, f)
	session := setupTestSession(t, conn, AutoAcknowledge)
	ctx := context.Background()

	producer, err := session.CreateProducer(Queue(uniqueName("closing")))
	require.NoError(t, err)

	const n = 20
	listener := newRecordingListener(n)
	for i := 0; i < n; i++ {
		require.NoError(t, producer.SendAsync(ctx, NewTextMessage(fmt.Sprint(i)), listener))
	}
	require.NoError(t, producer.Close(ctx))

	listener.mu.Lock()
	assert.Len(t, listener.bodies, n, "every callback ran before Close returned")
	listener.mu.Unlock()

	err = producer.Send(ctx, NewTextMessage("late"))
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	err = producer.SendAsync(ctx, NewTextMessage("late"), listener)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
}
