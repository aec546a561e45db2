package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/aleybovich/carrot-jms/transport"
)

// consumer is one attachment to a subscription
type consumer struct {
	broker *Broker
	sub    *subscription
	closed bool
	done   chan struct{}
}

var _ transport.Subscription = (*consumer)(nil)

func (c *consumer) Pull(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	b := c.broker

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		if c.closed || b.closed {
			b.mu.Unlock()
			return nil, transport.ErrClosed
		}
		msg, wait := c.sub.take(c, b.now())
		if msg != nil {
			j := b.store.journal()
			j.putSubscription(c.sub)
			if err := j.flush(); err != nil {
				b.log.Warn("Failed to persist cursor of subscription '%s': %v", c.sub.name, err)
			}
			b.mu.Unlock()
			return msg, nil
		}
		changed := b.changed
		b.mu.Unlock()

		if timeout == 0 {
			return nil, nil
		}

		var retry <-chan time.Time
		var retryTimer *time.Timer
		if wait > 0 {
			retryTimer = time.NewTimer(wait)
			retry = retryTimer.C
		}

		select {
		case <-changed:
		case <-retry:
		case <-deadline:
			stopTimer(retryTimer)
			return nil, nil
		case <-ctx.Done():
			stopTimer(retryTimer)
			return nil, ctx.Err()
		case <-c.done:
			stopTimer(retryTimer)
			return nil, transport.ErrClosed
		}
		stopTimer(retryTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *consumer) Ack(ctx context.Context, id string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	if _, ok := c.sub.pending[id]; !ok {
		return fmt.Errorf("%w: %s on subscription '%s'", transport.ErrUnknownMessage, id, c.sub.name)
	}

	j := b.store.journal()
	c.sub.ack(id)
	j.putSubscription(c.sub)
	b.trimLocked(c.sub.topic, j)
	return j.flush()
}

func (c *consumer) Nack(ctx context.Context, id string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	if _, ok := c.sub.pending[id]; !ok {
		return fmt.Errorf("%w: %s on subscription '%s'", transport.ErrUnknownMessage, id, c.sub.name)
	}

	delay := b.redeliveryDelay(c.sub.attempts[id] + 1)
	c.sub.schedule(id, b.now().Add(delay))
	b.notify()

	j := b.store.journal()
	j.putSubscription(c.sub)
	return j.flush()
}

// Close detaches the consumer. Messages it holds are offered again at once;
// a non-durable subscription is deleted with its last consumer.
func (c *consumer) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	s := c.sub
	now := b.now()
	for id, holder := range s.pending {
		if holder == c {
			s.schedule(id, now)
		}
	}
	delete(s.consumers, c)

	j := b.store.journal()
	if len(s.consumers) == 0 && !s.durable {
		delete(s.topic.subs, s.name)
		j.dropSubscription(s)
		b.log.Debug("Removed subscription '%s' from topic '%s'", s.name, s.topic.name)
	} else {
		j.putSubscription(s)
	}
	b.trimLocked(s.topic, j)
	b.notify()

	if b.closed {
		return nil
	}
	return j.flush()
}
