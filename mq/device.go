package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DeviceType selects how a Device relays.
type DeviceType int

const (
	// Queue relays both ways, typically ROUTER in front of DEALER.
	Queue DeviceType = iota
	// Forwarder relays SUB to PUB.
	Forwarder
	// Streamer relays PULL to PUSH.
	Streamer
)

func (t DeviceType) String() string {
	switch t {
	case Queue:
		return "queue"
	case Forwarder:
		return "forwarder"
	case Streamer:
		return "streamer"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// ParseDeviceType maps "queue", "forwarder" or "streamer" to a DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	for _, t := range []DeviceType{Queue, Forwarder, Streamer} {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	return 0, opErrf("parse device type", ErrConfig, "unknown device type %q", name)
}

// compatible lists the frontend/backend pattern pairs each device accepts.
var compatible = map[DeviceType][][2]Pattern{
	Queue:     {{Router, Dealer}, {Dealer, Router}, {Dealer, Dealer}, {Pair, Pair}},
	Forwarder: {{Sub, Pub}},
	Streamer:  {{Pull, Push}},
}

// DeviceState is the lifecycle state of a Device.
type DeviceState int

const (
	DeviceCreated DeviceState = iota
	DeviceRunning
	DeviceStopped
)

func (s DeviceState) String() string {
	switch s {
	case DeviceCreated:
		return "created"
	case DeviceRunning:
		return "running"
	case DeviceStopped:
		return "stopped"
	}
	return fmt.Sprintf("DeviceState(%d)", int(s))
}

const (
	dirIn  = "in"
	dirOut = "out"
)

// Device relays messages between a frontend and a backend socket and
// optionally copies every relayed message to a monitor socket.
//
// Backpressure: a side is read only while the opposite side has room, and at
// most as many messages as fit are read per round. A message whose forward
// still reports ErrWouldBlock is dropped and counted. Monitor copies never
// wait; copies that do not fit are discarded.
//
// The device never binds, connects or closes its sockets.
type Device struct {
	typ       DeviceType
	frontend  *Socket
	backend   *Socket
	monitor   *Socket
	inPrefix  []byte
	outPrefix []byte
	log       *zap.Logger
	metrics   *Metrics

	mu     sync.Mutex
	state  DeviceState
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithMonitor attaches a socket that receives a copy of every relayed
// message.
func WithMonitor(s *Socket) DeviceOption {
	return func(d *Device) { d.monitor = s }
}

// WithMonitorPrefixes prepends in to frontend->backend copies and out to
// backend->frontend copies sent to the monitor. Nil prefixes add no frame.
func WithMonitorPrefixes(in, out []byte) DeviceOption {
	return func(d *Device) {
		d.inPrefix = in
		d.outPrefix = out
	}
}

// WithDeviceLogger sets the device logger.
func WithDeviceLogger(l *zap.Logger) DeviceOption {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDeviceMetrics sets the collectors the device reports to.
func WithDeviceMetrics(m *Metrics) DeviceOption {
	return func(d *Device) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDevice checks that the sockets fit the device type.
func NewDevice(typ DeviceType, frontend, backend *Socket, opts ...DeviceOption) (*Device, error) {
	if frontend == nil || backend == nil {
		return nil, opErrf("new device", ErrConfig, "frontend and backend are required")
	}
	if frontend == backend {
		return nil, opErrf("new device", ErrConfig, "frontend and backend must be distinct sockets")
	}
	pairs, ok := compatible[typ]
	if !ok {
		return nil, opErrf("new device", ErrConfig, "unknown device type %d", int(typ))
	}
	fits := false
	for _, pair := range pairs {
		if pair[0] == frontend.Pattern() && pair[1] == backend.Pattern() {
			fits = true
			break
		}
	}
	if !fits {
		return nil, opErrf("new device", ErrConfig, "%s device cannot relay %s to %s",
			typ, frontend.Pattern(), backend.Pattern())
	}

	d := &Device{
		typ:      typ,
		frontend: frontend,
		backend:  backend,
		log:      frontend.ctx.log,
		metrics:  frontend.metrics,
	}
	for _, opt := range opts {
		opt(d)
	}

	if m := d.monitor; m != nil {
		if m == frontend || m == backend {
			return nil, opErrf("new device", ErrConfig, "monitor must be a separate socket")
		}
		switch m.Pattern() {
		case Req, Rep, Router, Pull, Sub:
			return nil, opErrf("new device", ErrConfig, "%s cannot be a monitor socket", m.Pattern())
		}
	}
	d.log = d.log.With(zap.Stringer("device", typ))
	return d, nil
}

// Type returns the device type.
func (d *Device) Type() DeviceType {
	return d.typ
}

// State returns the lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start launches the relay loop on its own goroutine and returns at once.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DeviceRunning {
		return opErrf("start device", ErrState, "device already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.state = DeviceRunning
	d.cancel = cancel
	d.done = make(chan struct{})
	d.err = nil

	go d.loop(ctx, d.done)
	return nil
}

func (d *Device) loop(ctx context.Context, done chan struct{}) {
	err := d.relay(ctx)

	if err != nil {
		d.log.Warn("device stopped on error", zap.Error(err))
	} else {
		d.log.Debug("device stopped")
	}

	d.mu.Lock()
	d.state = DeviceStopped
	d.err = err
	d.mu.Unlock()
	close(done)
}

// Stop signals the loop and waits until it no longer touches the sockets.
// It returns the error that ended the loop, if any.
func (d *Device) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done
	return d.Err()
}

// Done is closed when the current run ends. It is nil before Start.
func (d *Device) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns the error that ended the last run, or nil.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Run relays on the calling goroutine until ctx is done or a primary socket
// fails.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.state == DeviceRunning {
		d.mu.Unlock()
		return opErrf("run device", ErrState, "device already running")
	}
	d.state = DeviceRunning
	d.mu.Unlock()

	err := d.relay(ctx)

	d.mu.Lock()
	d.state = DeviceStopped
	d.err = err
	d.mu.Unlock()
	return err
}

func (d *Device) relay(ctx context.Context) error {
	d.log.Debug("device running",
		zap.Stringer("frontend", d.frontend),
		zap.Stringer("backend", d.backend),
		zap.Bool("monitored", d.monitor != nil))

	poller := NewPoller()
	twoWay := d.typ == Queue

	for {
		var front, back Event
		if d.backend.Events()&PollOut != 0 {
			front |= PollIn
		} else {
			back |= PollOut
		}
		if twoWay {
			if d.frontend.Events()&PollOut != 0 {
				back |= PollIn
			} else {
				front |= PollOut
			}
		}
		poller.Register(d.frontend, front|PollErr)
		poller.Register(d.backend, back|PollErr)

		ready, err := poller.PollContext(ctx, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, r := range ready {
			if r.Events&PollErr != 0 {
				return opErr("device", ErrResource, r.Socket.TransportErr())
			}
			if r.Events&PollIn == 0 {
				continue
			}
			var err error
			if r.Socket == d.frontend {
				err = d.forward(ctx, d.frontend, d.backend, d.inPrefix, dirIn)
			} else {
				err = d.forward(ctx, d.backend, d.frontend, d.outPrefix, dirOut)
			}
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// forward moves what is queued on src, up to the free room on dst. It
// stops early once ctx is done.
func (d *Device) forward(ctx context.Context, src, dst *Socket, prefix []byte, dir string) error {
	budget := dst.sendCapacity()
	for n := 0; n < budget; n++ {
		if ctx.Err() != nil {
			return nil
		}
		m, err := src.Recv(DontWait)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return fmt.Errorf("device %s recv: %w", dir, err)
		}

		frames := m.Frames()
		if err := dst.Send(m, DontWait); err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				return fmt.Errorf("device %s send: %w", dir, err)
			}
			d.metrics.DeviceDropped.WithLabelValues(dir).Inc()
			d.log.Debug("dropped on backpressure", zap.String("direction", dir))
			continue
		}
		d.metrics.DeviceForwarded.WithLabelValues(dir).Inc()
		d.mirror(frames, prefix)
	}
	return nil
}

// mirror queues a copy for the monitor. The copy shares frame buffers with
// the forwarded message, which is frozen once sent.
func (d *Device) mirror(frames [][]byte, prefix []byte) {
	if d.monitor == nil {
		return
	}
	if prefix != nil {
		frames = append([][]byte{prefix}, frames...)
	}
	if err := d.monitor.Send(NewMessage(frames...), DontWait); err != nil {
		d.metrics.MonitorDropped.Inc()
	}
}
