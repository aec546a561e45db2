// Package txn buffers the sends and acknowledgments of a transacted session
// and applies them to the transport as one unit.
package txn

import (
	"context"
	"sync"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/transport"
)

// State of a Coordinator
type State int

const (
	NonTransactional State = iota
	Open
	CommitInFlight
	RollbackInFlight
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case CommitInFlight:
		return "commit-in-flight"
	case RollbackInFlight:
		return "rollback-in-flight"
	default:
		return "non-transactional"
	}
}

// BeginFunc starts a transport transaction
type BeginFunc func(ctx context.Context) (transport.Transaction, error)

// Ack is a delivered message whose acknowledgment waits for commit
type Ack struct {
	Sub transport.Subscription
	ID  string
}

type send struct {
	topic string
	msg   *transport.Message
}

// Context is the batch collected between two commits or rollbacks
type Context struct {
	sends []send
	acks  []Ack
}

// Coordinator owns the transaction context of one session
type Coordinator struct {
	mu    sync.Mutex
	state State
	begin BeginFunc
	log   logger.Logger
	cur   *Context
}

// New returns an open coordinator that starts transport transactions with begin
func New(begin BeginFunc, log logger.Logger) *Coordinator {
	return &Coordinator{
		state: Open,
		begin: begin,
		log:   logger.OrNil(log),
		cur:   &Context{},
	}
}

// NewNonTransactional returns a coordinator that refuses every operation
func NewNonTransactional() *Coordinator {
	return &Coordinator{state: NonTransactional, log: &logger.NilLogger{}}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transacted reports whether sends and acks are routed through c
func (c *Coordinator) Transacted() bool {
	return c.State() != NonTransactional
}

// EnqueueSend buffers a publish of msg to topic until commit
func (c *Coordinator) EnqueueSend(topic string, msg *transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NonTransactional {
		return jmserror.New(jmserror.IllegalState, "session is not transacted")
	}
	c.cur.sends = append(c.cur.sends, send{topic: topic, msg: msg.Clone()})
	return nil
}

// EnqueueAck records a delivered message to acknowledge at commit
func (c *Coordinator) EnqueueAck(sub transport.Subscription, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NonTransactional {
		return jmserror.New(jmserror.IllegalState, "session is not transacted")
	}
	c.cur.acks = append(c.cur.acks, Ack{Sub: sub, ID: id})
	return nil
}

// Forget drops a buffered acknowledgment and reports whether it was present
func (c *Coordinator) Forget(sub transport.Subscription, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return false
	}
	for i, a := range c.cur.acks {
		if a.Sub == sub && a.ID == id {
			c.cur.acks = append(c.cur.acks[:i], c.cur.acks[i+1:]...)
			return true
		}
	}
	return false
}

// ForgetAll drops every buffered acknowledgment of sub and returns them
func (c *Coordinator) ForgetAll(sub transport.Subscription) []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	var removed []Ack
	kept := c.cur.acks[:0]
	for _, a := range c.cur.acks {
		if a.Sub == sub {
			removed = append(removed, a)
		} else {
			kept = append(kept, a)
		}
	}
	c.cur.acks = kept
	return removed
}

// Pending returns the number of buffered sends and acknowledgments
func (c *Coordinator) Pending() (sends, acks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0, 0
	}
	return len(c.cur.sends), len(c.cur.acks)
}

// take moves the coordinator to next and detaches the current batch
func (c *Coordinator) take(next State) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case NonTransactional:
		return nil, jmserror.New(jmserror.IllegalState, "session is not transacted")
	case CommitInFlight, RollbackInFlight:
		return nil, jmserror.New(jmserror.IllegalState, "transaction %s", c.state)
	}
	c.state = next
	batch := c.cur
	c.cur = &Context{}
	return batch, nil
}

func (c *Coordinator) reopen() {
	c.mu.Lock()
	c.state = Open
	c.mu.Unlock()
}

// Commit applies the buffered batch in one transport transaction. When that
// fails the batch is discarded, the error matches
// jmserror.ErrTransactionRolledBack and the returned acknowledgments must be
// redelivered by the caller.
func (c *Coordinator) Commit(ctx context.Context) ([]Ack, error) {
	batch, err := c.take(CommitInFlight)
	if err != nil {
		return nil, err
	}
	defer c.reopen()

	if len(batch.sends) == 0 && len(batch.acks) == 0 {
		return nil, nil
	}
	if err := c.apply(ctx, batch); err != nil {
		c.log.Warn("Transaction rolled back (%d sends, %d acks): %v", len(batch.sends), len(batch.acks), err)
		return batch.acks, jmserror.Wrap(jmserror.TransactionRolledBack, err, "commit failed")
	}
	c.log.Debug("Transaction committed (%d sends, %d acks)", len(batch.sends), len(batch.acks))
	return nil, nil
}

func (c *Coordinator) apply(ctx context.Context, batch *Context) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	for _, s := range batch.sends {
		if err := tx.Publish(ctx, s.topic, s.msg); err != nil {
			return abort(ctx, tx, err)
		}
	}
	for _, a := range batch.acks {
		if err := tx.Ack(ctx, a.Sub, a.ID); err != nil {
			return abort(ctx, tx, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return abort(ctx, tx, err)
	}
	return nil
}

func abort(ctx context.Context, tx transport.Transaction, cause error) error {
	// an already finished transaction reports ErrTransactionDone, which is fine
	_ = tx.Abort(ctx)
	return cause
}

// Rollback discards the buffered sends and returns the acknowledgments
// that must be redelivered
func (c *Coordinator) Rollback(ctx context.Context) ([]Ack, error) {
	batch, err := c.take(RollbackInFlight)
	if err != nil {
		return nil, err
	}
	defer c.reopen()

	c.log.Debug("Transaction rolled back (%d sends discarded, %d acks released)", len(batch.sends), len(batch.acks))
	return batch.acks, nil
}
