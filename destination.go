package carrotjms

import (
	"fmt"
	"strings"
)

// Kind distinguishes point-to-point from publish/subscribe destinations
type Kind int

const (
	KindQueue Kind = iota + 1
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Destination names a queue or a topic. It is an immutable value.
type Destination struct {
	Name string
	Kind Kind
}

// Queue returns a queue destination
func Queue(name string) *Destination {
	return &Destination{Name: name, Kind: KindQueue}
}

// Topic returns a topic destination
func Topic(name string) *Destination {
	return &Destination{Name: name, Kind: KindTopic}
}

// IsQueue reports whether d is a queue
func (d *Destination) IsQueue() bool {
	return d != nil && d.Kind == KindQueue
}

// IsTopic reports whether d is a topic
func (d *Destination) IsTopic() bool {
	return d != nil && d.Kind == KindTopic
}

// String renders d as "queue://name" or "topic://name"
func (d *Destination) String() string {
	if d == nil {
		return "<nil>"
	}
	return d.Kind.String() + "://" + d.Name
}

// parseDestination is the inverse of String. It is used for the reply-to
// and destination headers carried in message properties.
func parseDestination(s string) *Destination {
	kind, name, ok := strings.Cut(s, "://")
	if !ok || name == "" {
		return nil
	}
	switch kind {
	case "queue":
		return Queue(name)
	case "topic":
		return Topic(name)
	}
	return nil
}
