package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/transport"
	"github.com/aleybovich/carrot-jms/transport/memory"

	"github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	published []string
	acked     []string
	failOn    string
	committed bool
	aborted   bool
}

func (r *recordingTx) Publish(ctx context.Context, topic string, msg *transport.Message) error {
	if r.failOn == "publish" {
		return errors.New("publish refused")
	}
	r.published = append(r.published, topic)
	return nil
}

func (r *recordingTx) Ack(ctx context.Context, sub transport.Subscription, id string) error {
	r.acked = append(r.acked, id)
	return nil
}

func (r *recordingTx) Commit(ctx context.Context) error {
	if r.failOn == "commit" {
		return errors.New("exec aborted")
	}
	r.committed = true
	return nil
}

func (r *recordingTx) Abort(ctx context.Context) error {
	r.aborted = true
	return nil
}

func beginWith(tx *recordingTx) BeginFunc {
	return func(ctx context.Context) (transport.Transaction, error) {
		return tx, nil
	}
}

func TestNonTransactionalRefusesEverything(t *testing.T) {
	c := NewNonTransactional()
	ctx := context.Background()

	assert.False(t, c.Transacted())
	assert.ErrorIs(t, c.EnqueueSend("t", &transport.Message{}), jmserror.ErrIllegalState)
	assert.ErrorIs(t, c.EnqueueAck(nil, "1"), jmserror.ErrIllegalState)
	_, err := c.Commit(ctx)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	_, err = c.Rollback(ctx)
	assert.ErrorIs(t, err, jmserror.ErrIllegalState)
	assert.Equal(t, NonTransactional, c.State())
}

func TestCommitReplaysBatch(t *testing.T) {
	tx := &recordingTx{}
	c := New(beginWith(tx), nil)
	ctx := context.Background()

	require.NoError(t, c.EnqueueSend("a", &transport.Message{Body: []byte("1")}))
	require.NoError(t, c.EnqueueSend("b", &transport.Message{Body: []byte("2")}))
	require.NoError(t, c.EnqueueAck(nil, "7"))

	sends, acks := c.Pending()
	assert.Equal(t, 2, sends)
	assert.Equal(t, 1, acks)

	released, err := c.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.True(t, tx.committed)
	assert.Equal(t, []string{"a", "b"}, tx.published)
	assert.Equal(t, []string{"7"}, tx.acked)
	assert.Equal(t, Open, c.State())

	sends, acks = c.Pending()
	assert.Zero(t, sends)
	assert.Zero(t, acks)
}

func TestEmptyCommitSkipsTransport(t *testing.T) {
	c := New(func(ctx context.Context) (transport.Transaction, error) {
		t.Fatal("begin must not be called")
		return nil, nil
	}, nil)
	_, err := c.Commit(context.Background())
	assert.NoError(t, err)
}

func TestFailedCommitRollsBack(t *testing.T) {
	for _, failOn := range []string{"publish", "commit"} {
		t.Run(failOn, func(t *testing.T) {
			tx := &recordingTx{failOn: failOn}
			c := New(beginWith(tx), nil)
			ctx := context.Background()

			require.NoError(t, c.EnqueueSend("a", &transport.Message{}))
			require.NoError(t, c.EnqueueAck(nil, "9"))

			released, err := c.Commit(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, jmserror.ErrTransactionRolledBack)
			assert.True(t, tx.aborted)
			require.Len(t, released, 1)
			assert.Equal(t, "9", released[0].ID)

			assert.Equal(t, Open, c.State())
			sends, acks := c.Pending()
			assert.Zero(t, sends)
			assert.Zero(t, acks)
		})
	}
}

func TestBeginFailureRollsBack(t *testing.T) {
	c := New(func(ctx context.Context) (transport.Transaction, error) {
		return nil, transport.ErrClosed
	}, nil)
	require.NoError(t, c.EnqueueSend("a", &transport.Message{}))

	_, err := c.Commit(context.Background())
	assert.ErrorIs(t, err, jmserror.ErrTransactionRolledBack)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestRollbackReleasesAcks(t *testing.T) {
	tx := &recordingTx{}
	c := New(beginWith(tx), nil)
	ctx := context.Background()

	require.NoError(t, c.EnqueueSend("a", &transport.Message{}))
	require.NoError(t, c.EnqueueAck(nil, "1"))
	require.NoError(t, c.EnqueueAck(nil, "2"))

	released, err := c.Rollback(ctx)
	require.NoError(t, err)
	assert.Len(t, released, 2)
	assert.Empty(t, tx.published)

	_, err = c.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, tx.committed, "rolled back sends must not reach the transport")
}

func TestInFlightCommitIsIllegal(t *testing.T) {
	var c *Coordinator
	var inner error
	c = New(func(ctx context.Context) (transport.Transaction, error) {
		_, inner = c.Commit(ctx)
		return &recordingTx{}, nil
	}, nil)
	require.NoError(t, c.EnqueueSend("a", &transport.Message{}))

	_, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, inner, jmserror.ErrIllegalState)
}

func TestForget(t *testing.T) {
	c := New(beginWith(&recordingTx{}), nil)
	var a, b transport.Subscription = &fakeSub{}, &fakeSub{}

	require.NoError(t, c.EnqueueAck(a, "1"))
	require.NoError(t, c.EnqueueAck(b, "2"))
	require.NoError(t, c.EnqueueAck(a, "3"))

	assert.True(t, c.Forget(b, "2"))
	assert.False(t, c.Forget(b, "2"))

	removed := c.ForgetAll(a)
	assert.Len(t, removed, 2)
	_, acks := c.Pending()
	assert.Zero(t, acks)
}

type fakeSub struct{ transport.Subscription }

func TestCommitAgainstMemoryBroker(t *testing.T) {
	b, err := memory.NewBroker(memory.WithRedeliveryBackoff(backoff.Constant(0)))
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	opts := transport.SubscriptionOptions{Topic: "q", Name: "jms-queue", Type: transport.Shared, Durable: true, Initial: transport.Earliest}
	sub, err := b.Subscribe(ctx, opts)
	require.NoError(t, err)

	c := New(b.Begin, nil)
	require.NoError(t, c.EnqueueSend("q", &transport.Message{Body: []byte("x")}))

	m, err := sub.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, m, "buffered send must be invisible before commit")

	_, err = c.Commit(ctx)
	require.NoError(t, err)

	m, err = sub.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, c.EnqueueAck(sub, m.ID))
	_, err = c.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Backlog("q", "jms-queue"))
}
