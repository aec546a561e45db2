// Package transport defines the broker capability the messaging layer is
// built on: topics, named subscriptions with per-message acknowledgment, and
// transactions that publish and acknowledge atomically.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed transport or subscription
	ErrClosed = errors.New("transport: closed")

	// ErrSubscriptionBusy is returned when attaching to an exclusive
	// subscription that already has a consumer, or when the requested
	// subscription type conflicts with the attached consumers
	ErrSubscriptionBusy = errors.New("transport: subscription busy")

	// ErrUnknownMessage is returned when acknowledging a message that is not
	// outstanding on the subscription
	ErrUnknownMessage = errors.New("transport: unknown message")

	// ErrTransactionDone is returned when using a committed or aborted transaction
	ErrTransactionDone = errors.New("transport: transaction already completed")
)

// SubscriptionType controls how messages are spread over attached consumers
type SubscriptionType int

const (
	// Exclusive allows one attached consumer
	Exclusive SubscriptionType = iota
	// Shared spreads messages over every attached consumer
	Shared
)

func (t SubscriptionType) String() string {
	if t == Shared {
		return "shared"
	}
	return "exclusive"
}

// InitialPosition is where a newly created subscription starts reading
type InitialPosition int

const (
	Latest InitialPosition = iota
	Earliest
)

// SubscriptionOptions describes a subscription to attach to or create
type SubscriptionOptions struct {
	Topic   string
	Name    string
	Type    SubscriptionType
	Durable bool // non-durable subscriptions vanish when their last consumer detaches
	Initial InitialPosition
}

// Message is the transport-level envelope. Properties hold header and
// application property values with the types accepted by EncodeProperties.
type Message struct {
	ID              string
	Topic           string
	Properties      map[string]any
	Body            []byte
	PublishTime     time.Time
	RedeliveryCount int
}

// Clone returns a deep copy of m
func (m *Message) Clone() *Message {
	c := *m
	if m.Properties != nil {
		c.Properties = make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// Transport is a connection to a broker
type Transport interface {
	// Publish appends msg to topic and returns the broker-assigned message ID
	Publish(ctx context.Context, topic string, msg *Message) (string, error)

	// Subscribe attaches a consumer to the subscription, creating it if needed
	Subscribe(ctx context.Context, opts SubscriptionOptions) (Subscription, error)

	// EnsureSubscription creates the subscription without attaching to it
	EnsureSubscription(ctx context.Context, opts SubscriptionOptions) error

	// Begin starts a transaction
	Begin(ctx context.Context) (Transaction, error)

	Close() error
}

// Subscription is one attached consumer of a subscription
type Subscription interface {
	// Pull returns the next message, or nil when none arrived in time.
	// A zero timeout polls; a negative timeout waits until ctx is done.
	Pull(ctx context.Context, timeout time.Duration) (*Message, error)

	// Ack removes a delivered message from the subscription
	Ack(ctx context.Context, id string) error

	// Nack schedules a delivered message for redelivery
	Nack(ctx context.Context, id string) error

	// Close detaches the consumer. Its outstanding messages become
	// available for redelivery.
	Close() error
}

// Transaction groups publishes and acknowledgments into one atomic unit
type Transaction interface {
	Publish(ctx context.Context, topic string, msg *Message) error
	Ack(ctx context.Context, sub Subscription, id string) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
