// Package ordered runs completion callbacks of concurrently executing
// operations in the order the operations were issued.
package ordered

import (
	"context"
	"errors"
	"sync"

	"github.com/aleybovich/carrot-jms/logger"
)

// ErrClosed is returned by Issue after Close
var ErrClosed = errors.New("ordered: queue closed")

// Callback receives the outcome of an operation
type Callback func(err error)

// Ticket is a pending operation. Complete it exactly once.
type Ticket struct {
	q        *Queue
	seq      uint64
	callback Callback
	done     bool
	err      error
}

// Seq returns the issue sequence number, starting at 1
func (t *Ticket) Seq() uint64 {
	return t.seq
}

// Complete records the outcome of the operation. The callback runs once
// every earlier ticket has run its own.
func (t *Ticket) Complete(err error) {
	t.q.complete(t, err)
}

// Queue delivers callbacks of completed tickets in sequence order on a
// single goroutine, started with the first ticket
type Queue struct {
	log logger.Logger

	mu      sync.Mutex
	seq     uint64
	pending []*Ticket // issue order
	wake    chan struct{}
	idle    chan struct{} // closed when pending is empty
	started bool
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates an empty queue
func New(log logger.Logger) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		log:     logger.OrNil(log),
		wake:    make(chan struct{}, 1),
		idle:    idle,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Issue registers an operation whose callback must run after the callbacks
// of every previously issued ticket
func (q *Queue) Issue(cb Callback) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if !q.started {
		q.started = true
		go q.run()
	}
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.seq++
	t := &Ticket{q: q, seq: q.seq, callback: cb}
	q.pending = append(q.pending, t)
	return t, nil
}

// Outstanding returns the number of tickets whose callbacks have not run
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) complete(t *Ticket, err error) {
	q.mu.Lock()
	if t.done {
		q.mu.Unlock()
		q.log.Warn("Ticket %d completed twice", t.seq)
		return
	}
	t.done = true
	t.err = err
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ready removes the completed prefix of pending
func (q *Queue) ready() []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.pending) && q.pending[n].done {
		n++
	}
	out := q.pending[:n:n]
	q.pending = q.pending[n:]
	return out
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
		for _, t := range q.ready() {
			q.invoke(t)
		}
		q.mu.Lock()
		if len(q.pending) == 0 {
			select {
			case <-q.idle:
			default:
				close(q.idle)
			}
		}
		q.mu.Unlock()
	}
}

func (q *Queue) invoke(t *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Err("Completion callback %d panicked: %v", t.seq, r)
		}
	}()
	if t.callback != nil {
		t.callback(t.err)
	}
}

// Drain blocks until every issued ticket has run its callback
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new tickets, waits for outstanding callbacks and stops the
// delivery goroutine
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}
	if started {
		q.once.Do(func() { close(q.stop) })
		<-q.stopped
	}
	return nil
}
