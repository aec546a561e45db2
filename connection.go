package carrotjms

import (
	"context"
	"sync"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/logger"
	"github.com/aleybovich/carrot-jms/transport"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// gate blocks message delivery while a connection is stopped
type gate struct {
	mu      sync.Mutex
	started bool
	open    chan struct{} // closed while started
}

func newGate() *gate {
	g := &gate{started: true, open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) isStarted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		g.started = true
		close(g.open)
	}
}

func (g *gate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		g.started = false
		g.open = make(chan struct{})
	}
}

// Connection is a client's link to the messaging provider. A connection
// is started when created.
type Connection struct {
	id              string
	transport       transport.Transport
	log             logger.Logger
	namespace       string
	queueSub        string
	precreateQueues bool
	gate            *gate

	mu       sync.Mutex
	clientID string
	resolver *resolver
	used     bool
	closed   bool
	sessions map[*Session]struct{}
	onClose  func(*Connection)
}

// ClientID returns the client identifier that qualifies durable subscription names
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID sets the client identifier. It must be called before the
// first session is created.
func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return jmserror.New(jmserror.IllegalState, "connection is closed")
	}
	if c.used {
		return jmserror.New(jmserror.IllegalState, "client ID must be set before the connection is used")
	}
	c.clientID = id
	c.resolver = newResolver(c.namespace, c.queueSub, id)
	return nil
}

// CreateSession creates a session with the given acknowledgment mode
func (c *Connection) CreateSession(mode AckMode) (*Session, error) {
	if !mode.valid() {
		return nil, jmserror.New(jmserror.InvalidArgument, "invalid acknowledge mode %d", int(mode))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, jmserror.New(jmserror.IllegalState, "connection is closed")
	}
	c.used = true
	s := newSession(c, mode)
	c.sessions[s] = struct{}{}
	c.log.Debug("Session created (%s) on connection %s", mode, c.id)
	return s, nil
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *Connection) snapshot() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// checkNotInOwnListener rejects calls made from a callback of one of c's sessions
func (c *Connection) checkNotInOwnListener(ctx context.Context, op string) error {
	if sc := scopeFrom(ctx); sc != nil && sc.session.conn == c {
		return jmserror.New(jmserror.IllegalState, "cannot %s the connection from one of its listeners", op)
	}
	return nil
}

// Start resumes message delivery
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.used = true
	c.mu.Unlock()
	if closed {
		return jmserror.New(jmserror.IllegalState, "connection is closed")
	}
	c.gate.start()
	c.log.Debug("Connection %s started", c.id)
	return nil
}

// Stop pauses message delivery and waits for in-progress listener calls
func (c *Connection) Stop(ctx context.Context) error {
	if err := c.checkNotInOwnListener(ctx, "stop"); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return jmserror.New(jmserror.IllegalState, "connection is closed")
	}
	c.gate.stop()
	for _, s := range c.snapshot() {
		if err := s.quiesce(ctx); err != nil {
			return err
		}
	}
	c.log.Debug("Connection %s stopped", c.id)
	return nil
}

// Close closes every session concurrently. Blocked receives return nil.
func (c *Connection) Close(ctx context.Context) error {
	if err := c.checkNotInOwnListener(ctx, "close"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Blocked receives and listener loops end through their consumer's
	// context, so a stopped connection stays stopped while closing.
	var (
		g     errgroup.Group
		errMu sync.Mutex
		err   error
	)
	for _, s := range c.snapshot() {
		g.Go(func() error {
			serr := s.close(ctx)
			errMu.Lock()
			err = multierr.Append(err, serr)
			errMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.sessions = map[*Session]struct{}{}
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose(c)
	}
	c.log.Info("Connection %s closed", c.id)
	return err
}
