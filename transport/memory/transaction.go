package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aleybovich/carrot-jms/transport"
)

type txPublish struct {
	topic string
	msg   *transport.Message
}

type txAck struct {
	consumer *consumer
	id       string
}

// transaction buffers publishes and acks; Commit applies all of them under
// the broker lock or none of them
type transaction struct {
	broker    *Broker
	mu        sync.Mutex
	publishes []txPublish
	acks      []txAck
	done      bool
}

var _ transport.Transaction = (*transaction)(nil)

func (tx *transaction) Publish(ctx context.Context, topic string, msg *transport.Message) error {
	if topic == "" {
		return errors.New("memory: topic name is empty")
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.publishes = append(tx.publishes, txPublish{topic: topic, msg: msg.Clone()})
	return nil
}

func (tx *transaction) Ack(ctx context.Context, sub transport.Subscription, id string) error {
	c, ok := sub.(*consumer)
	if !ok || c.broker != tx.broker {
		return errors.New("memory: subscription does not belong to this broker")
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.acks = append(tx.acks, txAck{consumer: c, id: id})
	return nil
}

func (tx *transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.done = true
	if err := ctx.Err(); err != nil {
		return err
	}

	b := tx.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}

	for _, a := range tx.acks {
		if _, ok := a.consumer.sub.pending[a.id]; !ok {
			return fmt.Errorf("%w: %s on subscription '%s'", transport.ErrUnknownMessage, a.id, a.consumer.sub.name)
		}
	}

	j := b.store.journal()
	for _, p := range tx.publishes {
		b.appendLocked(p.topic, p.msg, j)
	}
	touched := make(map[*topic]struct{})
	for _, a := range tx.acks {
		s := a.consumer.sub
		s.ack(a.id)
		j.putSubscription(s)
		touched[s.topic] = struct{}{}
	}
	for t := range touched {
		b.trimLocked(t, j)
	}
	if len(tx.publishes) > 0 {
		b.notify()
	}

	if err := j.flush(); err != nil {
		b.log.Err("Failed to persist transaction: %v", err)
		return fmt.Errorf("memory: persisting transaction: %w", err)
	}
	b.log.Debug("Committed transaction with %d publishes and %d acks", len(tx.publishes), len(tx.acks))
	return nil
}

func (tx *transaction) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.done = true
	tx.publishes = nil
	tx.acks = nil
	return nil
}
