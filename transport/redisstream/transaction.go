package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aleybovich/carrot-jms/transport"

	"github.com/redis/go-redis/v9"
)

type txAck struct {
	sub *subscription
	id  string
}

// transaction buffers publishes and acks until Commit sends them in one
// MULTI/EXEC block
type transaction struct {
	transport *Transport
	mu        sync.Mutex
	publishes []*redis.XAddArgs
	acks      []txAck
	done      bool
}

var _ transport.Transaction = (*transaction)(nil)

func (tx *transaction) Publish(ctx context.Context, topic string, msg *transport.Message) error {
	args, err := tx.transport.addArgs(topic, msg)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.publishes = append(tx.publishes, args)
	return nil
}

func (tx *transaction) Ack(ctx context.Context, sub transport.Subscription, id string) error {
	s, ok := sub.(*subscription)
	if !ok || s.transport != tx.transport {
		return errors.New("redisstream: subscription does not belong to this transport")
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.acks = append(tx.acks, txAck{sub: s, id: id})
	return nil
}

// Commit verifies every acknowledged entry is still pending, then applies
// all publishes and acks atomically
func (tx *transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return transport.ErrTransactionDone
	}
	tx.done = true

	for _, a := range tx.acks {
		if !a.sub.isPending(ctx, a.id) {
			return fmt.Errorf("%w: %s on group '%s'", transport.ErrUnknownMessage, a.id, a.sub.opts.Name)
		}
	}
	if len(tx.publishes) == 0 && len(tx.acks) == 0 {
		return nil
	}

	_, err := tx.transport.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, args := range tx.publishes {
			pipe.XAdd(ctx, args)
		}
		for _, a := range tx.acks {
			pipe.XAck(ctx, a.sub.stream, a.sub.opts.Name, a.id)
			pipe.HDel(ctx, a.sub.retries, a.id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstream: exec: %w", err)
	}
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
