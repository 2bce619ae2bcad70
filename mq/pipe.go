package mq

import (
	"math"
	"sync"

	"github.com/eapache/queue"
)

// item is one queued message. route carries the routing envelope a Rep
// socket has to put back on its reply; track, when set, is finished once
// the item leaves an outbound pipe.
type item struct {
	frames [][]byte
	route  [][]byte
	track  *Tracker
}

// pipe is a bounded FIFO between the application and a transport pump.
// Every change closes the current wait channel so that blocked callers
// re-check their predicate.
type pipe struct {
	mu       sync.Mutex
	q        *queue.Queue
	hwm      int
	changed  chan struct{}
	onChange func()
}

func newPipe(hwm int, onChange func()) *pipe {
	return &pipe{
		q:        queue.New(),
		hwm:      hwm,
		changed:  make(chan struct{}),
		onChange: onChange,
	}
}

// wait returns a channel closed on the next change. Take it before checking
// the predicate to avoid missing a wakeup.
func (p *pipe) wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// signalLocked must be called with mu held; notify afterwards without it.
func (p *pipe) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pipe) notify() {
	if p.onChange != nil {
		p.onChange()
	}
}

func (p *pipe) fullLocked() bool {
	return p.hwm > 0 && p.q.Length() >= p.hwm
}

// push appends it unless the pipe is at its high-water mark.
func (p *pipe) push(it *item) bool {
	p.mu.Lock()
	if p.fullLocked() {
		p.mu.Unlock()
		return false
	}
	p.q.Add(it)
	p.signalLocked()
	p.mu.Unlock()
	p.notify()
	return true
}

func (p *pipe) peek() (*item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return nil, false
	}
	return p.q.Peek().(*item), true
}

func (p *pipe) pop() (*item, bool) {
	p.mu.Lock()
	if p.q.Length() == 0 {
		p.mu.Unlock()
		return nil, false
	}
	it := p.q.Remove().(*item)
	p.signalLocked()
	p.mu.Unlock()
	p.notify()
	return it, true
}

func (p *pipe) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

func (p *pipe) full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullLocked()
}

// free returns how many more items fit.
func (p *pipe) free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hwm <= 0 {
		return math.MaxInt
	}
	return max(p.hwm-p.q.Length(), 0)
}

func (p *pipe) setHWM(n int) {
	p.mu.Lock()
	p.hwm = n
	p.signalLocked()
	p.mu.Unlock()
	p.notify()
}

// reset drops everything queued and returns the dropped items.
func (p *pipe) reset() []*item {
	p.mu.Lock()
	items := make([]*item, p.q.Length())
	for i := range items {
		items[i] = p.q.Get(i).(*item)
	}
	p.q = queue.New()
	p.signalLocked()
	p.mu.Unlock()
	p.notify()
	return items
}
