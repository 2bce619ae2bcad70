package mq

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// attach creates the zmq4 socket on the first bind or connect, using the
// identity and reconnect options set so far, and starts the pumps.
func (s *Socket) attach(op string) (zmq4.Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(op, false); err != nil {
		return nil, err
	}
	if s.zsock != nil {
		return s.zsock, nil
	}

	if len(s.opts.identity) == 0 {
		s.opts.identity = []byte(uuid.NewString())
	}

	zctx, cancel := context.WithCancel(context.Background())
	zs := newTransport(zctx, s.pattern,
		zmq4.WithID(zmq4.SocketIdentity(s.opts.identity)),
		zmq4.WithDialerRetry(s.opts.reconnectInterval()),
	)
	if zs == nil {
		cancel()
		return nil, opErrf(op, ErrResource, "no transport for %s", s.pattern)
	}

	if s.pattern == Sub {
		for topic := range s.subs {
			if err := zs.SetOption(zmq4.OptionSubscribe, topic); err != nil {
				cancel()
				_ = zs.Close()
				return nil, opErr(op, ErrResource, err)
			}
		}
	}

	s.zsock = zs
	s.zcancel = cancel

	if s.pattern.CanSend() {
		s.pumps.Add(1)
		go s.writeLoop(zctx, zs)
	} else {
		close(s.writerDone)
	}
	if s.pattern.CanRecv() {
		s.pumps.Add(1)
		go s.readLoop(zctx, zs)
	}

	s.log.Debug("transport attached", zap.ByteString("identity", s.opts.identity))
	return zs, nil
}

// writeLoop drains the outbound pipe into the transport. The head item stays
// queued until the transport accepts it, so it counts against SEND_HWM.
// After Close it keeps flushing until the pipe is empty or the linger
// timer aborts the transport.
func (s *Socket) writeLoop(zctx context.Context, zs zmq4.Socket) {
	defer s.pumps.Done()
	defer close(s.writerDone)

	for {
		wait := s.out.wait()
		it, ok := s.out.peek()
		if !ok {
			select {
			case <-wait:
				continue
			case <-s.closing:
				return
			case <-zctx.Done():
				return
			}
		}

		err := s.transmit(zs, it.frames)
		if err == nil {
			s.out.pop()
			it.track.finish(nil)
			s.metrics.recordSent(s.pattern)
			continue
		}
		if zctx.Err() != nil {
			return
		}
		if s.pattern.dropsUnroutable() {
			s.out.pop()
			it.track.finish(dropped(dropUnroutable))
			s.metrics.recordDropped(s.pattern, dropUnroutable, 1)
			s.log.Debug("dropped unroutable message", zap.Error(err))
			continue
		}

		s.log.Debug("transport send failed, retrying", zap.Error(err))
		select {
		case <-time.After(s.retryInterval()):
		case <-zctx.Done():
			return
		}
	}
}

func (s *Socket) transmit(zs zmq4.Socket, frames [][]byte) error {
	msg := zmq4.NewMsgFrom(frames...)
	if len(frames) > 1 {
		return zs.SendMulti(msg)
	}
	return zs.Send(msg)
}

// readLoop moves transport messages into the inbound pipe, applying the
// pattern's envelope and filter rules.
func (s *Socket) readLoop(zctx context.Context, zs zmq4.Socket) {
	defer s.pumps.Done()

	for {
		msg, err := zs.Recv()
		if err != nil {
			if zctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				// a peer went away; the transport keeps the others
				continue
			}
			s.setTransportErr(err)
			s.log.Warn("transport receive failed", zap.Error(err))
			select {
			case <-time.After(s.retryInterval()):
			case <-zctx.Done():
				return
			}
			continue
		}
		s.setTransportErr(nil)
		s.ingest(zctx, msg.Frames)
	}
}

func (s *Socket) ingest(zctx context.Context, frames [][]byte) {
	it := &item{frames: frames}

	switch s.pattern {
	case Sub:
		if !s.matches(frames) {
			s.metrics.recordDropped(s.pattern, dropFilter, 1)
			return
		}
	case Req:
		if len(frames) == 0 || len(frames[0]) != 0 || !s.expectingReply() {
			s.metrics.recordDropped(s.pattern, dropStale, 1)
			return
		}
		it.frames = frames[1:]
	case Rep:
		i := delimiter(frames)
		if i < 0 {
			s.metrics.recordDropped(s.pattern, dropStale, 1)
			return
		}
		it.route = frames[:i]
		it.frames = frames[i+1:]
	}

	for {
		wait := s.in.wait()
		if s.isClosed() {
			return
		}
		if s.in.push(it) {
			return
		}
		if s.pattern.dropsWhenFull() {
			s.metrics.recordDropped(s.pattern, dropHWM, 1)
			return
		}
		select {
		case <-wait:
		case <-s.closing:
			return
		case <-zctx.Done():
			return
		}
	}
}

// delimiter returns the index of the empty frame that ends a routing
// envelope, or -1.
func delimiter(frames [][]byte) int {
	for i, f := range frames {
		if len(f) == 0 {
			return i
		}
	}
	return -1
}

// matches applies the subscription filter to the first frame.
func (s *Socket) matches(frames [][]byte) bool {
	var topic []byte
	if len(frames) > 0 {
		topic = frames[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix := range s.subs {
		if bytes.HasPrefix(topic, []byte(prefix)) {
			return true
		}
	}
	return false
}

func (s *Socket) expectingReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingReply
}

func (s *Socket) retryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.opts.reconnectInterval(); d > 0 {
		return d
	}
	return DefaultReconnectInterval * time.Millisecond
}

func (s *Socket) setTransportErr(err error) {
	s.mu.Lock()
	changed := (s.transportErr == nil) != (err == nil)
	s.transportErr = err
	s.mu.Unlock()
	if changed {
		s.notifyWatchers()
	}
}

// abort cancels the transport, interrupting any blocked send or receive in
// the pumps.
func (s *Socket) abort() {
	s.mu.Lock()
	cancel := s.zcancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// teardown runs on the I/O pool after Close. It arms the linger timer and
// hands the flush wait to its own goroutine, so a lingering socket never
// holds a pool worker.
func (s *Socket) teardown(zs zmq4.Socket, linger time.Duration) {
	if zs == nil {
		s.release()
		return
	}

	stop := func() bool { return false }
	if linger >= 0 {
		stop = time.AfterFunc(linger, s.abort).Stop
	}
	select {
	case <-s.writerDone:
		s.detach(zs, stop)
	default:
		go func() {
			<-s.writerDone
			s.detach(zs, stop)
		}()
	}
}

// detach closes the transport once the writer has finished flushing.
func (s *Socket) detach(zs zmq4.Socket, stopLinger func() bool) {
	stopLinger()
	s.abort()
	if err := zs.Close(); err != nil {
		s.log.Debug("transport close", zap.Error(err))
	}
	s.pumps.Wait()
	s.release()
}

// release discards what was never sent and leaves the context registry.
func (s *Socket) release() {
	if items := s.out.reset(); len(items) > 0 {
		for _, it := range items {
			it.track.finish(errDiscarded)
		}
		s.metrics.recordDropped(s.pattern, dropLinger, len(items))
		s.log.Debug("discarded unsent messages", zap.Int("count", len(items)))
	}
	s.ctx.release(s)
}
