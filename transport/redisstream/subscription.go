package redisstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aleybovich/carrot-jms/transport"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newConsumerName() string {
	return "jms-" + uuid.NewString()
}

// pendingPageSize bounds one XPENDING page when a consumer hands back its entries
var pendingPageSize int64 = 1000

// subscription is one consumer in a consumer group
type subscription struct {
	transport *Transport
	opts      transport.SubscriptionOptions
	stream    string
	consumer  string
	owner     string // exclusive lease key
	refs      string // attached consumer count
	redeliver string // sorted set of entry IDs scored by due time in ms
	retries   string // hash of entry ID -> redelivery count

	mu     sync.Mutex
	closed bool
}

var _ transport.Subscription = (*subscription)(nil)

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Pull(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	t := s.transport
	var deadline time.Time
	if timeout > 0 {
		deadline = t.now().Add(timeout)
	}

	for {
		if s.isClosed() {
			return nil, transport.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.opts.Type == transport.Exclusive {
			t.client.Expire(ctx, s.owner, lockTTL)
		}

		msg, err := s.claimDue(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		block := time.Duration(-1) // poll
		switch {
		case timeout < 0:
			block = t.block
		case timeout > 0:
			remaining := deadline.Sub(t.now())
			if remaining < time.Millisecond {
				return nil, nil
			}
			block = min(remaining, t.block)
		}

		msg, err = s.readNew(ctx, block)
		if err != nil || msg != nil {
			return msg, err
		}
		if timeout == 0 {
			return nil, nil
		}
	}
}

// claimDue takes over the earliest due redelivery, if any
func (s *subscription) claimDue(ctx context.Context) (*transport.Message, error) {
	t := s.transport
	for {
		now := strconv.FormatInt(t.now().UnixMilli(), 10)
		ids, err := t.client.ZRangeByScore(ctx, s.redeliver, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 1}).Result()
		if err != nil {
			return nil, fmt.Errorf("reading redeliveries: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id := ids[0]
		removed, err := t.client.ZRem(ctx, s.redeliver, id).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue // another consumer got it
		}

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.stream,
			Group:    s.opts.Name,
			Consumer: s.consumer,
			MinIdle:  0,
			Messages: []string{id},
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("claiming %s: %w", id, err)
		}
		if len(claimed) == 0 {
			continue // entry was deleted or acknowledged meanwhile
		}

		msg, err := decodeEntry(s.opts.Topic, claimed[0])
		if err != nil {
			return nil, err
		}
		count, err := t.client.HGet(ctx, s.retries, id).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		msg.RedeliveryCount = count
		return msg, nil
	}
}

func (s *subscription) readNew(ctx context.Context, block time.Duration) (*transport.Message, error) {
	t := s.transport
	var streams []redis.XStream
	err := t.withRetry(ctx, "XREADGROUP", func() error {
		var err error
		streams, err = t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Name,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    block,
		}).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, st := range streams {
		if len(st.Messages) > 0 {
			return decodeEntry(s.opts.Topic, st.Messages[0])
		}
	}
	return nil, nil
}

func (s *subscription) Ack(ctx context.Context, id string) error {
	t := s.transport
	n, err := t.client.XAck(ctx, s.stream, s.opts.Name, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s on group '%s'", transport.ErrUnknownMessage, id, s.opts.Name)
	}
	return t.client.HDel(ctx, s.retries, id).Err()
}

func (s *subscription) Nack(ctx context.Context, id string) error {
	if !s.isPending(ctx, id) {
		return fmt.Errorf("%w: %s on group '%s'", transport.ErrUnknownMessage, id, s.opts.Name)
	}
	return s.schedule(ctx, id)
}

func (s *subscription) schedule(ctx context.Context, id string) error {
	t := s.transport
	n, err := t.client.HIncrBy(ctx, s.retries, id, 1).Result()
	if err != nil {
		return err
	}
	var delay time.Duration
	if t.redelivery != nil {
		delay = t.redelivery(nil, uint(n-1))
	}
	due := float64(t.now().Add(delay).UnixMilli())
	return t.client.ZAdd(ctx, s.redeliver, redis.Z{Score: due, Member: id}).Err()
}

func (s *subscription) isPending(ctx context.Context, id string) bool {
	pending, err := s.transport.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.opts.Name,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	return err == nil && len(pending) == 1
}

// Close hands the consumer's unacknowledged entries back to the group and
// leaves it. The last consumer of a non-durable subscription deletes the group.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	t := s.transport
	ctx := context.Background()

	start := "-"
	for {
		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   s.stream,
			Group:    s.opts.Name,
			Start:    start,
			End:      "+",
			Count:    pendingPageSize,
			Consumer: s.consumer,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			t.log.Warn("Failed to list pending entries of consumer '%s': %v", s.consumer, err)
			break
		}
		for _, p := range pending {
			if err := s.schedule(ctx, p.ID); err != nil {
				t.log.Warn("Failed to requeue %s: %v", p.ID, err)
			}
		}
		if int64(len(pending)) < pendingPageSize {
			break
		}
		start = nextStreamID(pending[len(pending)-1].ID)
	}
	s.releaseLock(ctx)

	left, err := t.client.Decr(ctx, s.refs).Result()
	if err != nil {
		return err
	}
	if left <= 0 && !s.opts.Durable {
		if err := t.client.XGroupDestroy(ctx, s.stream, s.opts.Name).Err(); err != nil {
			return err
		}
		t.client.Del(ctx, s.refs, s.redeliver, s.retries)
		t.log.Debug("Destroyed group '%s' on '%s'", s.opts.Name, s.stream)
	}
	return nil
}

// nextStreamID returns the smallest entry ID after id
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	if n == math.MaxUint64 {
		m, _ := strconv.ParseUint(ms, 10, 64)
		return strconv.FormatUint(m+1, 10) + "-0"
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (s *subscription) releaseLock(ctx context.Context) {
	if s.opts.Type != transport.Exclusive {
		return
	}
	t := s.transport
	owner, err := t.client.Get(ctx, s.owner).Result()
	if err == nil && owner == s.consumer {
		t.client.Del(ctx, s.owner)
	}
}
