package mq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContextState is the lifecycle state of a Context.
type ContextState int

const (
	Active ContextState = iota
	Terminating
	Terminated
)

func (s ContextState) String() string {
	switch s {
	case Active:
		return "active"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("ContextState(%d)", int(s))
}

// DefaultMaxSockets is the default socket limit of a Context.
const DefaultMaxSockets = 1023

var errTerminating = errors.New("context terminating")

// Context owns the I/O workers and every socket created from it. It is safe
// for concurrent use.
type Context struct {
	ioThreads  int
	maxSockets int
	log        *zap.Logger
	metrics    *Metrics
	pool       *ioPool

	mu       sync.Mutex
	state    ContextState
	sockets  map[*Socket]struct{}
	nextID   uint64
	released chan struct{}
	termErr  error

	// terming is closed when termination starts, done when it completes.
	terming chan struct{}
	done    chan struct{}
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the logger used by the context and its sockets.
func WithLogger(l *zap.Logger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the collectors the context and its sockets report to.
func WithMetrics(m *Metrics) ContextOption {
	return func(c *Context) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithMaxSockets limits the number of live sockets.
func WithMaxSockets(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.maxSockets = n
		}
	}
}

// NewContext starts a context with ioThreads background I/O workers.
func NewContext(ioThreads int, opts ...ContextOption) (*Context, error) {
	c := &Context{
		ioThreads:  ioThreads,
		maxSockets: DefaultMaxSockets,
		log:        zap.NewNop(),
		metrics:    DefaultMetrics,
		sockets:    make(map[*Socket]struct{}),
		released:   make(chan struct{}),
		terming:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := newIOPool(ioThreads, c.log, c.metrics)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.log.Debug("context started", zap.Int("io_threads", ioThreads))
	return c, nil
}

// Socket creates a socket of the given pattern.
func (c *Context) Socket(p Pattern) (*Socket, error) {
	if !p.valid() {
		return nil, opErrf("socket", ErrConfig, "unknown pattern %d", int(p))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return nil, opErrf("socket", ErrState, "context is %s", c.state)
	}
	if len(c.sockets) >= c.maxSockets {
		return nil, opErrf("socket", ErrResource, "too many open sockets (max %d)", c.maxSockets)
	}

	c.nextID++
	s := newSocket(c, p, c.nextID)
	c.sockets[s] = struct{}{}
	c.metrics.SocketsOpen.Inc()
	return s, nil
}

// release drops a torn down socket from the registry.
func (c *Context) release(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sockets[s]; ok {
		delete(c.sockets, s)
		c.metrics.SocketsOpen.Dec()
	}
	close(c.released)
	c.released = make(chan struct{})
}

// Terminate shuts the context down. It waits until every socket has been
// closed and flushed, or until linger elapses (negative waits forever), then
// force-closes whatever is left. Blocked calls on live sockets return
// ErrClosed as soon as termination starts. Calling Terminate again waits for
// the same completion.
func (c *Context) Terminate(linger time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case Terminated:
		err := c.termErr
		c.mu.Unlock()
		return err
	case Terminating:
		c.mu.Unlock()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.termErr
	}
	c.state = Terminating
	close(c.terming)
	live := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug("context terminating", zap.Int("sockets", len(live)), zap.Duration("linger", linger))
	for _, s := range live {
		s.notifyWatchers()
	}

	var err error
	if !c.waitReleased(linger) {
		err = c.forceClose()
	}
	if perr := c.pool.shutdown(-1); perr != nil {
		err = errors.Join(err, opErr("terminate", ErrResource, perr))
	}

	c.mu.Lock()
	c.state = Terminated
	c.termErr = err
	c.mu.Unlock()
	close(c.done)

	c.log.Debug("context terminated")
	return err
}

// waitReleased blocks until the registry is empty or linger elapses.
func (c *Context) waitReleased(linger time.Duration) bool {
	var deadline <-chan time.Time
	if linger >= 0 {
		t := time.NewTimer(linger)
		defer t.Stop()
		deadline = t.C
	}
	for {
		c.mu.Lock()
		n := len(c.sockets)
		released := c.released
		c.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-released:
		case <-deadline:
			return false
		}
	}
}

// forceClose closes every remaining socket without lingering and waits for
// their teardown.
func (c *Context) forceClose() error {
	c.mu.Lock()
	live := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn("linger expired, forcing sockets closed", zap.Int("sockets", len(live)))

	var g errgroup.Group
	for _, s := range live {
		g.Go(s.forceClose)
	}
	err := g.Wait()
	c.waitReleased(-1)
	return err
}

func (c *Context) snapshotLocked() []*Socket {
	live := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		live = append(live, s)
	}
	return live
}

// State returns the lifecycle state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IOThreads returns the number of I/O workers.
func (c *Context) IOThreads() int {
	return c.ioThreads
}

// NumSockets returns the number of sockets not yet torn down.
func (c *Context) NumSockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

// PoolStats returns I/O worker statistics.
func (c *Context) PoolStats() PoolStats {
	return c.pool.stats()
}

// Done is closed once termination has completed.
func (c *Context) Done() <-chan struct{} {
	return c.done
}
