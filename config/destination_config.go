package config

import (
	"fmt"
	"strings"
)

// DefaultQueueSubscriptionName is the shared subscription every queue consumer attaches to
const DefaultQueueSubscriptionName = "jms-queue"

// DestinationConfig controls how destinations map onto broker topics and subscriptions
type DestinationConfig struct {
	// Namespace qualifies short destination names as persistent://<namespace>/<name>.
	// Empty leaves names untouched.
	Namespace string `yaml:"namespace" split_words:"true"`

	// QueueSubscriptionName is shared by all consumers of a queue
	QueueSubscriptionName string `yaml:"queue_subscription_name" split_words:"true"`

	// ClientID prefixes durable subscription names
	ClientID string `yaml:"client_id" split_words:"true"`

	// PrecreateQueueSubscription makes producers create the queue subscription
	// before the first send, so messages sent before any consumer are kept
	PrecreateQueueSubscription bool `yaml:"precreate_queue_subscription" split_words:"true"`
}

func (dc DestinationConfig) Validate() error {
	if dc.QueueSubscriptionName == "" {
		return fmt.Errorf("queue subscription name is required")
	}
	if strings.Contains(dc.Namespace, "://") {
		return fmt.Errorf("namespace %q must not include a scheme", dc.Namespace)
	}
	return nil
}
