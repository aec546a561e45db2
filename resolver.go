package carrotjms

import (
	"strings"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/selector"
	"github.com/aleybovich/carrot-jms/transport"

	"github.com/google/uuid"
)

// consumerKind is the flavour of consumer being created
type consumerKind int

const (
	plainConsumer consumerKind = iota
	durableConsumer
	sharedConsumer
	sharedDurableConsumer
)

// consumerSpec carries what the session knows when creating a consumer
type consumerSpec struct {
	kind         consumerKind
	subscription string // durable or shared subscription name
	selector     string
	noLocal      bool
}

// subscriptionBinding is how a consumer attaches to the transport
type subscriptionBinding struct {
	options  transport.SubscriptionOptions
	selector *selector.Selector
}

// resolver maps destinations onto physical topics and subscriptions
type resolver struct {
	namespace string
	queueSub  string
	clientID  string
	newName   func() string
}

func newResolver(namespace, queueSub, clientID string) *resolver {
	return &resolver{
		namespace: namespace,
		queueSub:  queueSub,
		clientID:  clientID,
		newName:   func() string { return "jms-consumer-" + uuid.NewString() },
	}
}

func validateDestination(dest *Destination) error {
	if dest == nil {
		return jmserror.New(jmserror.InvalidDestination, "destination is nil")
	}
	if dest.Kind != KindQueue && dest.Kind != KindTopic {
		return jmserror.New(jmserror.InvalidDestination, "unsupported destination %s", dest)
	}
	if strings.TrimSpace(dest.Name) == "" {
		return jmserror.New(jmserror.InvalidDestination, "destination name is empty")
	}
	return nil
}

// physicalTopic returns the transport topic of dest
func (r *resolver) physicalTopic(dest *Destination) string {
	if strings.Contains(dest.Name, "://") || r.namespace == "" {
		return dest.Name
	}
	return "persistent://" + r.namespace + "/" + dest.Name
}

func (r *resolver) resolveProducer(dest *Destination) (string, error) {
	if err := validateDestination(dest); err != nil {
		return "", err
	}
	return r.physicalTopic(dest), nil
}

// queueSubscription is the shared subscription every consumer of dest attaches to
func (r *resolver) queueSubscription(dest *Destination) transport.SubscriptionOptions {
	return transport.SubscriptionOptions{
		Topic:   r.physicalTopic(dest),
		Name:    r.queueSub,
		Type:    transport.Shared,
		Durable: true,
		Initial: transport.Earliest,
	}
}

func (r *resolver) qualify(name string) string {
	if r.clientID == "" {
		return name
	}
	return r.clientID + "_" + name
}

func (r *resolver) resolveConsumer(dest *Destination, spec consumerSpec) (subscriptionBinding, error) {
	var b subscriptionBinding
	if err := validateDestination(dest); err != nil {
		return b, err
	}
	if spec.kind != plainConsumer {
		if dest.Kind != KindTopic {
			return b, jmserror.New(jmserror.InvalidDestination, "durable and shared subscriptions need a topic, got %s", dest)
		}
		if strings.TrimSpace(spec.subscription) == "" {
			return b, jmserror.New(jmserror.InvalidDestination, "subscription name is empty")
		}
	}

	sel, err := selector.Compile(spec.selector)
	if err != nil {
		return b, err
	}
	b.selector = sel

	topic := r.physicalTopic(dest)
	switch {
	case dest.Kind == KindQueue:
		b.options = r.queueSubscription(dest)
	case spec.kind == durableConsumer:
		b.options = transport.SubscriptionOptions{
			Topic:   topic,
			Name:    r.qualify(spec.subscription),
			Type:    transport.Exclusive,
			Durable: true,
			Initial: transport.Earliest,
		}
	case spec.kind == sharedConsumer:
		b.options = transport.SubscriptionOptions{
			Topic:   topic,
			Name:    spec.subscription,
			Type:    transport.Shared,
			Initial: transport.Latest,
		}
	case spec.kind == sharedDurableConsumer:
		b.options = transport.SubscriptionOptions{
			Topic:   topic,
			Name:    r.qualify(spec.subscription),
			Type:    transport.Shared,
			Durable: true,
			Initial: transport.Earliest,
		}
	default:
		b.options = transport.SubscriptionOptions{
			Topic:   topic,
			Name:    r.newName(),
			Type:    transport.Exclusive,
			Initial: transport.Latest,
		}
	}
	return b, nil
}
