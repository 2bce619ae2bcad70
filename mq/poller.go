package mq

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Event is a readiness mask.
type Event int

const (
	PollIn Event = 1 << iota
	PollOut
	PollErr
)

func (e Event) String() string {
	if e == 0 {
		return "0"
	}
	var parts []string
	if e&PollIn != 0 {
		parts = append(parts, "IN")
	}
	if e&PollOut != 0 {
		parts = append(parts, "OUT")
	}
	if e&PollErr != 0 {
		parts = append(parts, "ERR")
	}
	return strings.Join(parts, "|")
}

// Polled is one ready socket returned by Poll.
type Polled struct {
	Socket *Socket
	Events Event
}

type registration struct {
	socket *Socket
	events Event
}

// Poller waits for readiness on a set of sockets. The registration table is
// safe for concurrent use; results come back in registration order.
type Poller struct {
	mu    sync.Mutex
	items []registration
}

// NewPoller returns an empty poller.
func NewPoller() *Poller {
	return &Poller{}
}

// Register adds s with the given interest mask. Registering a socket again
// replaces its mask; a zero mask unregisters it.
func (p *Poller) Register(s *Socket, events Event) {
	if events == 0 {
		p.Unregister(s)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		if p.items[i].socket == s {
			p.items[i].events = events
			return
		}
	}
	p.items = append(p.items, registration{socket: s, events: events})
}

// Unregister removes s. Removing an unknown socket is a no-op.
func (p *Poller) Unregister(s *Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		if p.items[i].socket == s {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered sockets.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Poll waits up to timeout for at least one registered socket to become
// ready. A zero timeout probes without waiting; a negative one waits
// forever. An empty result means the timeout elapsed. With nothing
// registered Poll just sleeps for the timeout.
func (p *Poller) Poll(timeout time.Duration) ([]Polled, error) {
	return p.PollContext(context.Background(), timeout)
}

// PollContext is Poll that also returns when ctx is done.
func (p *Poller) PollContext(ctx context.Context, timeout time.Duration) ([]Polled, error) {
	p.mu.Lock()
	items := append([]registration(nil), p.items...)
	p.mu.Unlock()

	if len(items) == 0 {
		return nil, idle(ctx, timeout)
	}

	metrics := items[0].socket.metrics
	start := time.Now()
	defer func() { metrics.recordPoll(time.Since(start)) }()

	wake := make(chan struct{}, 1)
	for _, it := range items {
		it.socket.watch(wake)
	}
	defer func() {
		for _, it := range items {
			it.socket.unwatch(wake)
		}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		ready, err := scan(items)
		if err != nil || len(ready) > 0 || timeout == 0 {
			return ready, err
		}
		select {
		case <-wake:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, opErr("poll", ErrPoll, ctx.Err())
		}
	}
}

// idle waits out timeout for a poller with no registrations.
func idle(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		return nil
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-deadline:
		return nil
	case <-ctx.Done():
		return opErr("poll", ErrPoll, ctx.Err())
	}
}

func scan(items []registration) ([]Polled, error) {
	var ready []Polled
	for _, it := range items {
		if err := it.socket.pollable(); err != nil {
			return nil, opErr("poll", ErrPoll, err)
		}
		if ev := it.socket.Events() & it.events; ev != 0 {
			ready = append(ready, Polled{Socket: it.socket, Events: ev})
		}
	}
	return ready, nil
}
