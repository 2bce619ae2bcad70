package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-zeromq/zmq4"
)

// Pattern selects the messaging behaviour of a Socket.
type Pattern int

const (
	Pair Pattern = iota
	Pub
	Sub
	Req
	Rep
	Dealer
	Router
	Pull
	Push
)

var patternNames = [...]string{
	Pair:   "PAIR",
	Pub:    "PUB",
	Sub:    "SUB",
	Req:    "REQ",
	Rep:    "REP",
	Dealer: "DEALER",
	Router: "ROUTER",
	Pull:   "PULL",
	Push:   "PUSH",
}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
	return patternNames[p]
}

// ParsePattern maps a name such as "push" or "ROUTER" to a Pattern.
func ParsePattern(name string) (Pattern, error) {
	for i, n := range patternNames {
		if strings.EqualFold(n, name) {
			return Pattern(i), nil
		}
	}
	return 0, opErrf("parse pattern", ErrConfig, "unknown pattern %q", name)
}

func (p Pattern) valid() bool {
	return p >= Pair && p <= Push
}

// CanSend reports whether sockets of this pattern send messages.
func (p Pattern) CanSend() bool {
	switch p {
	case Pull, Sub:
		return false
	}
	return true
}

// CanRecv reports whether sockets of this pattern receive messages.
func (p Pattern) CanRecv() bool {
	switch p {
	case Push, Pub:
		return false
	}
	return true
}

// newTransport creates the zmq4 socket that carries a pattern. Req and Rep
// run on DEALER and ROUTER so that the envelope handling stays correct when
// requests are read ahead by the pump.
func newTransport(ctx context.Context, p Pattern, opts ...zmq4.Option) zmq4.Socket {
	switch p {
	case Pair:
		return zmq4.NewPair(ctx, opts...)
	case Pub:
		return zmq4.NewPub(ctx, opts...)
	case Sub:
		return zmq4.NewSub(ctx, opts...)
	case Req, Dealer:
		return zmq4.NewDealer(ctx, opts...)
	case Rep, Router:
		return zmq4.NewRouter(ctx, opts...)
	case Pull:
		return zmq4.NewPull(ctx, opts...)
	case Push:
		return zmq4.NewPush(ctx, opts...)
	}
	return nil
}

// dropsWhenFull reports whether a full queue drops rather than blocks.
func (p Pattern) dropsWhenFull() bool {
	return p == Pub || p == Sub
}

// dropsUnroutable reports whether a transport send error discards the
// message instead of retrying it.
func (p Pattern) dropsUnroutable() bool {
	return p == Pub || p == Router || p == Rep
}
