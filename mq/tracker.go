package mq

import (
	"context"
	"sync"
)

// Tracker follows one message sent with SendTracked until it leaves the
// socket: either the transport accepted it or the socket discarded it.
type Tracker struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newTracker() *Tracker {
	return &Tracker{done: make(chan struct{})}
}

// Done is closed once the message has been handed to the transport or
// dropped.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Err is nil while pending and after delivery. A dropped message reports
// ErrResource, one discarded on close ErrClosed.
func (t *Tracker) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the message is done or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the outcome; only the first call counts. Safe on nil.
func (t *Tracker) finish(err error) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func dropped(reason string) error {
	return opErrf("deliver", ErrResource, "message dropped (%s)", reason)
}

var errDiscarded = opErrf("deliver", ErrClosed, "socket closed before the message was sent")
