package carrotjms

import (
	"context"
	"fmt"
	"sync"

	"github.com/aleybovich/carrot-jms/jmserror"

	"go.uber.org/multierr"
)

// AckMode controls how consumed messages are acknowledged
type AckMode int

const (
	// Transacted routes acknowledgments through the session transaction
	Transacted AckMode = iota
	// AutoAcknowledge acknowledges each message once it has been consumed
	AutoAcknowledge
	// ClientAcknowledge leaves acknowledgment to Message.Acknowledge
	ClientAcknowledge
	// DupsOKAcknowledge behaves like AutoAcknowledge
	DupsOKAcknowledge
)

func (m AckMode) String() string {
	switch m {
	case Transacted:
		return "transacted"
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return fmt.Sprintf("ackmode(%d)", int(m))
	}
}

func (m AckMode) valid() bool {
	return m >= Transacted && m <= DupsOKAcknowledge
}

// delivery ties a received message to the consumer that must acknowledge it
type delivery struct {
	session  *Session
	consumer *Consumer
	id       string
	seq      uint64
}

// ackTracker keeps the unacknowledged deliveries of a client-acknowledge
// session in delivery order
type ackTracker struct {
	mu          sync.Mutex
	seq         uint64
	outstanding []*delivery
}

func (t *ackTracker) track(d *delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	d.seq = t.seq
	t.outstanding = append(t.outstanding, d)
}

// upTo removes and returns every delivery up to and including d
func (t *ackTracker) upTo(d *delivery) []*delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for n < len(t.outstanding) && t.outstanding[n].seq <= d.seq {
		n++
	}
	out := t.outstanding[:n:n]
	t.outstanding = t.outstanding[n:]
	return out
}

func (t *ackTracker) drain() []*delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.outstanding
	t.outstanding = nil
	return out
}

// dropConsumer forgets the deliveries of c
func (t *ackTracker) dropConsumer(c *Consumer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.outstanding[:0]
	for _, d := range t.outstanding {
		if d.consumer != c {
			kept = append(kept, d)
		}
	}
	dropped := len(t.outstanding) - len(kept)
	t.outstanding = kept
	return dropped
}

func (t *ackTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

func ackAll(ctx context.Context, ds []*delivery) error {
	var err error
	for _, d := range ds {
		err = multierr.Append(err, d.consumer.sub.Ack(ctx, d.id))
	}
	return jmserror.Provider(err, "acknowledge")
}

func nackAll(ctx context.Context, ds []*delivery) error {
	var err error
	for _, d := range ds {
		err = multierr.Append(err, d.consumer.sub.Nack(ctx, d.id))
	}
	return jmserror.Provider(err, "recover")
}
