package mq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// Flag modifies a send or receive call.
type Flag int

const (
	// DontWait makes the call fail with ErrWouldBlock instead of waiting.
	DontWait Flag = 1 << iota
	// Copy sends a copy of the message; the caller keeps its buffers.
	Copy
)

// Socket is a messaging endpoint bound to one Pattern.
//
// A Socket may be closed from any goroutine, but send and receive calls must
// not overlap across goroutines; callers that need that serialize access
// themselves or use one socket per goroutine.
type Socket struct {
	ctx     *Context
	id      uint64
	pattern Pattern
	log     *zap.Logger
	metrics *Metrics

	mu           sync.Mutex
	opts         options
	subs         map[string]int
	zsock        zmq4.Socket
	zcancel      context.CancelFunc
	endpoints    []string
	lastEndpoint string
	closed       bool
	transportErr error

	// Req: a request was sent and its reply not yet received.
	awaitingReply bool
	// Rep: a request was received; replyRoute addresses its reply.
	serving    bool
	replyRoute [][]byte

	in  *pipe
	out *pipe

	closing    chan struct{}
	writerDone chan struct{}
	pumps      sync.WaitGroup

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func newSocket(c *Context, p Pattern, id uint64) *Socket {
	s := &Socket{
		ctx:        c,
		id:         id,
		pattern:    p,
		metrics:    c.metrics,
		opts:       defaultOptions(),
		subs:       make(map[string]int),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		watchers:   make(map[chan struct{}]struct{}),
	}
	s.log = c.log.With(zap.String("socket", s.String()))
	s.in = newPipe(s.opts.recvHWM, s.notifyWatchers)
	s.out = newPipe(s.opts.sendHWM, s.notifyWatchers)
	return s
}

func (s *Socket) String() string {
	return fmt.Sprintf("%s#%d", s.pattern, s.id)
}

// Pattern returns the socket pattern.
func (s *Socket) Pattern() Pattern {
	return s.pattern
}

// Context returns the owning context.
func (s *Socket) Context() *Context {
	return s.ctx
}

// Bind listens on endpoint.
func (s *Socket) Bind(endpoint string) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	zs, err := s.attach("bind")
	if err != nil {
		return err
	}
	if err := zs.Listen(ep.bindAddr()); err != nil {
		return endpointErr("bind", endpoint, ErrResource, err)
	}

	resolved := ep.String()
	if ep.Transport == TransportTCP {
		if addr := zs.Addr(); addr != nil {
			resolved = TransportTCP + "://" + addr.String()
		}
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, resolved)
	s.lastEndpoint = resolved
	s.mu.Unlock()

	s.log.Debug("bound", zap.String("endpoint", resolved))
	return nil
}

// Connect dials endpoint.
func (s *Socket) Connect(endpoint string) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if err := ep.validForConnect(); err != nil {
		return endpointErr("connect", endpoint, ErrAddress, err)
	}
	zs, err := s.attach("connect")
	if err != nil {
		return err
	}
	if err := zs.Dial(ep.String()); err != nil {
		return endpointErr("connect", endpoint, ErrResource, err)
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep.String())
	s.mu.Unlock()

	s.log.Debug("connected", zap.String("endpoint", ep.String()))
	return nil
}

// LastEndpoint returns the resolved address of the latest bind.
func (s *Socket) LastEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEndpoint
}

// Endpoints returns every endpoint bound or connected so far.
func (s *Socket) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.endpoints...)
}

// usableLocked rejects calls on a closed socket or terminating context.
// A call that already waited reports ErrClosed, a fresh call ErrState.
func (s *Socket) usableLocked(op string, waited bool) error {
	kind := ErrState
	if waited {
		kind = ErrClosed
	}
	if s.closed {
		return opErrf(op, kind, "socket %s is closed", s)
	}
	select {
	case <-s.ctx.terming:
		return opErr(op, kind, errTerminating)
	default:
	}
	return nil
}

// Send queues m for delivery. On success the message buffers belong to the
// socket.
func (s *Socket) Send(m *Message, flags Flag) error {
	return s.SendContext(context.Background(), m, flags)
}

// SendBytes sends b as a single-frame message.
func (s *Socket) SendBytes(b []byte, flags Flag) error {
	return s.Send(NewMessage(b), flags)
}

// SendContext is Send bounded by ctx. A deadline reports ErrWouldBlock.
func (s *Socket) SendContext(ctx context.Context, m *Message, flags Flag) error {
	return s.send(ctx, m, flags, nil)
}

// SendTracked is Send returning a Tracker that is done once the transport
// has taken the message, or the socket has dropped it.
func (s *Socket) SendTracked(m *Message, flags Flag) (*Tracker, error) {
	t := newTracker()
	if err := s.send(context.Background(), m, flags, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Socket) send(ctx context.Context, m *Message, flags Flag, track *Tracker) error {
	if m == nil {
		return opErrf("send", ErrState, "nil message")
	}
	dup := flags&Copy != 0
	frames, err := m.take(dup)
	if err != nil {
		return err
	}

	ctx, cancel := s.bounded(ctx, func(o options) int { return o.sendTimeout })
	defer cancel()

	waited := false
	for {
		wait := s.out.wait()
		ok, err := s.trySend(frames, track, waited)
		if err != nil {
			return err
		}
		if ok {
			m.commit(dup)
			return nil
		}
		if flags&DontWait != 0 {
			s.metrics.recordWouldBlock(s.pattern, "send")
			return opErr("send", ErrWouldBlock, nil)
		}
		if err := s.block(ctx, wait, "send"); err != nil {
			return err
		}
		waited = true
	}
}

func (s *Socket) trySend(frames [][]byte, track *Tracker, waited bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked("send", waited); err != nil {
		return false, err
	}
	if !s.pattern.CanSend() {
		return false, opErrf("send", ErrState, "%s sockets cannot send", s.pattern)
	}

	wire := frames
	switch s.pattern {
	case Req:
		if s.awaitingReply {
			return false, opErrf("send", ErrState, "request already sent, receive the reply first")
		}
		wire = append([][]byte{{}}, frames...)
	case Rep:
		if !s.serving {
			return false, opErrf("send", ErrState, "no request to reply to")
		}
		wire = make([][]byte, 0, len(s.replyRoute)+1+len(frames))
		wire = append(wire, s.replyRoute...)
		wire = append(wire, []byte{})
		wire = append(wire, frames...)
	case Router:
		if len(frames) < 2 {
			return false, opErrf("send", ErrState, "router message needs an identity frame and a body")
		}
	}

	if !s.out.push(&item{frames: wire, track: track}) {
		if !s.pattern.dropsWhenFull() {
			return false, nil
		}
		track.finish(dropped(dropHWM))
		s.metrics.recordDropped(s.pattern, dropHWM, 1)
	}

	switch s.pattern {
	case Req:
		s.awaitingReply = true
	case Rep:
		s.serving = false
		s.replyRoute = nil
	}
	return true, nil
}

// Recv waits for the next message.
func (s *Socket) Recv(flags Flag) (*Message, error) {
	return s.RecvContext(context.Background(), flags)
}

// RecvBytes receives a message and returns its payload.
func (s *Socket) RecvBytes(flags Flag) ([]byte, error) {
	m, err := s.Recv(flags)
	if err != nil {
		return nil, err
	}
	return m.Bytes(), nil
}

// RecvContext is Recv bounded by ctx. A deadline reports ErrWouldBlock.
func (s *Socket) RecvContext(ctx context.Context, flags Flag) (*Message, error) {
	ctx, cancel := s.bounded(ctx, func(o options) int { return o.recvTimeout })
	defer cancel()

	waited := false
	for {
		wait := s.in.wait()
		m, err := s.tryRecv(waited)
		if err != nil {
			return nil, err
		}
		if m != nil {
			s.metrics.recordReceived(s.pattern)
			return m, nil
		}
		if flags&DontWait != 0 {
			s.metrics.recordWouldBlock(s.pattern, "recv")
			return nil, opErr("recv", ErrWouldBlock, nil)
		}
		if err := s.block(ctx, wait, "recv"); err != nil {
			return nil, err
		}
		waited = true
	}
}

func (s *Socket) tryRecv(waited bool) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked("recv", waited); err != nil {
		return nil, err
	}
	if !s.pattern.CanRecv() {
		return nil, opErrf("recv", ErrState, "%s sockets cannot receive", s.pattern)
	}
	switch s.pattern {
	case Req:
		if !s.awaitingReply {
			return nil, opErrf("recv", ErrState, "no request outstanding")
		}
	case Rep:
		if s.serving {
			return nil, opErrf("recv", ErrState, "reply to the current request first")
		}
	}

	it, ok := s.in.pop()
	if !ok {
		return nil, nil
	}
	switch s.pattern {
	case Req:
		s.awaitingReply = false
	case Rep:
		s.serving = true
		s.replyRoute = it.route
	}
	return NewMessage(it.frames...), nil
}

// bounded applies the socket timeout option to ctx.
func (s *Socket) bounded(ctx context.Context, timeout func(options) int) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	d := msTimeout(timeout(s.opts))
	s.mu.Unlock()
	if d < 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// block waits for wait to fire. It is the cancellation point for close,
// context termination and deadlines.
func (s *Socket) block(ctx context.Context, wait <-chan struct{}, op string) error {
	select {
	case <-wait:
		return nil
	case <-s.closing:
		return opErrf(op, ErrClosed, "socket %s closed while waiting", s)
	case <-s.ctx.terming:
		return opErr(op, ErrClosed, errTerminating)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.metrics.recordWouldBlock(s.pattern, op)
			return opErr(op, ErrWouldBlock, ctx.Err())
		}
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// Subscribe adds a topic prefix filter. Sub sockets only.
func (s *Socket) Subscribe(topic string) error {
	return s.SetOption(OptSubscribe, topic)
}

// Unsubscribe removes one subscription to topic.
func (s *Socket) Unsubscribe(topic string) error {
	return s.SetOption(OptUnsubscribe, topic)
}

// SetOption sets a socket option.
func (s *Socket) SetOption(name Option, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return opErrf("set option", ErrState, "socket %s is closed", s)
	}

	switch name {
	case OptSendHWM:
		n, err := optionInt(name, value, 0)
		if err != nil {
			return err
		}
		s.opts.sendHWM = n
		s.out.setHWM(n)
	case OptRecvHWM:
		n, err := optionInt(name, value, 0)
		if err != nil {
			return err
		}
		s.opts.recvHWM = n
		s.in.setHWM(n)
	case OptLingerMS:
		n, err := optionInt(name, value, -1)
		if err != nil {
			return err
		}
		s.opts.lingerMS = n
	case OptReconnectInterval:
		n, err := optionInt(name, value, 0)
		if err != nil {
			return err
		}
		s.opts.reconnectMS = n
	case OptSendTimeoutMS:
		n, err := optionInt(name, value, -1)
		if err != nil {
			return err
		}
		s.opts.sendTimeout = n
	case OptRecvTimeoutMS:
		n, err := optionInt(name, value, -1)
		if err != nil {
			return err
		}
		s.opts.recvTimeout = n
	case OptIdentity:
		id, err := optionBytes(name, value)
		if err != nil {
			return err
		}
		if err := validIdentity(id); err != nil {
			return opErr("set option", ErrConfig, err)
		}
		if s.zsock != nil {
			return opErrf("set option", ErrState, "identity must be set before bind or connect")
		}
		s.opts.identity = id
	case OptSubscribe, OptUnsubscribe:
		if s.pattern != Sub {
			return opErrf("set option", ErrConfig, "%s is only valid on SUB sockets", name)
		}
		topic, err := optionBytes(name, value)
		if err != nil {
			return err
		}
		if name == OptSubscribe {
			return s.subscribeLocked(string(topic))
		}
		return s.unsubscribeLocked(string(topic))
	case OptType, OptLastEndpoint, OptEvents:
		return opErrf("set option", ErrConfig, "%s is read-only", name)
	default:
		return opErrf("set option", ErrConfig, "unknown option %q", name)
	}
	return nil
}

// GetOption returns the current value of an option.
func (s *Socket) GetOption(name Option) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case OptSendHWM:
		return s.opts.sendHWM, nil
	case OptRecvHWM:
		return s.opts.recvHWM, nil
	case OptLingerMS:
		return s.opts.lingerMS, nil
	case OptReconnectInterval:
		return s.opts.reconnectMS, nil
	case OptSendTimeoutMS:
		return s.opts.sendTimeout, nil
	case OptRecvTimeoutMS:
		return s.opts.recvTimeout, nil
	case OptIdentity:
		return append([]byte(nil), s.opts.identity...), nil
	case OptType:
		return s.pattern, nil
	case OptLastEndpoint:
		return s.lastEndpoint, nil
	case OptEvents:
		return s.eventsLocked(), nil
	case OptSubscribe, OptUnsubscribe:
		return nil, opErrf("get option", ErrConfig, "%s is write-only", name)
	}
	return nil, opErrf("get option", ErrConfig, "unknown option %q", name)
}

func (s *Socket) subscribeLocked(topic string) error {
	s.subs[topic]++
	if s.subs[topic] == 1 && s.zsock != nil {
		if err := s.zsock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return opErr("subscribe", ErrResource, err)
		}
	}
	return nil
}

func (s *Socket) unsubscribeLocked(topic string) error {
	n, ok := s.subs[topic]
	if !ok {
		return nil
	}
	if n > 1 {
		s.subs[topic] = n - 1
		return nil
	}
	delete(s.subs, topic)
	if s.zsock != nil {
		if err := s.zsock.SetOption(zmq4.OptionUnsubscribe, topic); err != nil {
			return opErr("unsubscribe", ErrResource, err)
		}
	}
	return nil
}

// Events reports the current readiness of the socket.
func (s *Socket) Events() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsLocked()
}

func (s *Socket) eventsLocked() Event {
	if s.closed {
		return 0
	}
	var ev Event
	if s.pattern.CanRecv() && s.in.len() > 0 {
		switch s.pattern {
		case Req:
			if s.awaitingReply {
				ev |= PollIn
			}
		case Rep:
			if !s.serving {
				ev |= PollIn
			}
		default:
			ev |= PollIn
		}
	}
	if s.pattern.CanSend() && (s.pattern.dropsWhenFull() || !s.out.full()) {
		switch s.pattern {
		case Req:
			if !s.awaitingReply {
				ev |= PollOut
			}
		case Rep:
			if s.serving {
				ev |= PollOut
			}
		default:
			ev |= PollOut
		}
	}
	if s.transportErr != nil {
		ev |= PollErr
	}
	return ev
}

// TransportErr returns the last transport failure seen by the receive
// pump, or nil once the transport recovered.
func (s *Socket) TransportErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportErr
}

// sendCapacity is how many messages a non-blocking send would accept now.
func (s *Socket) sendCapacity() int {
	if s.pattern.dropsWhenFull() {
		return math.MaxInt
	}
	return s.out.free()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pollable reports whether a poller may wait on the socket.
func (s *Socket) pollable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked("poll", false)
}

func (s *Socket) watch(ch chan struct{}) {
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
}

func (s *Socket) unwatch(ch chan struct{}) {
	s.watchMu.Lock()
	delete(s.watchers, ch)
	s.watchMu.Unlock()
}

func (s *Socket) notifyWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close releases the socket. Blocked calls return ErrClosed; pending
// outbound messages are flushed in the background for up to LINGER_MS.
// Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	linger := s.opts.linger()
	zs := s.zsock
	s.mu.Unlock()

	close(s.closing)
	if n := len(s.in.reset()); n > 0 {
		s.metrics.recordDropped(s.pattern, dropClosed, n)
	}
	s.notifyWatchers()

	teardown := func() { s.teardown(zs, linger) }
	if err := s.ctx.pool.submit("teardown "+s.String(), teardown); err != nil {
		go teardown()
	}
	s.log.Debug("closed", zap.Duration("linger", linger))
	return nil
}

// forceClose closes the socket and abandons any pending flush.
func (s *Socket) forceClose() error {
	err := s.Close()
	s.abort()
	return err
}
