package mq

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// streamerFixture wires producer -> [frontend|device|backend] -> consumer.
type streamerFixture struct {
	producer *Socket
	frontend *Socket
	backend  *Socket
	consumer *Socket
}

func newStreamerFixture(t *testing.T, ctx *Context) *streamerFixture {
	t.Helper()
	f := &streamerFixture{
		producer: newTestSocket(t, ctx, Push),
		frontend: newTestSocket(t, ctx, Pull),
		backend:  newTestSocket(t, ctx, Push),
		consumer: newTestSocket(t, ctx, Pull),
	}
	pair(t, f.frontend, f.producer)
	pair(t, f.backend, f.consumer)
	return f
}

func startDevice(t *testing.T, d *Device) {
	t.Helper()
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
}

func TestStreamerWithMonitor(t *testing.T) {
	ctx, metrics := newTestContext(t)
	f := newStreamerFixture(t, ctx)
	monitor := newTestSocket(t, ctx, Push)
	tap := newTestSocket(t, ctx, Pull)
	pair(t, monitor, tap)

	d, err := NewDevice(Streamer, f.frontend, f.backend, WithMonitor(monitor))
	require.NoError(t, err)
	startDevice(t, d)
	require.Equal(t, DeviceRunning, d.State())

	require.NoError(t, f.producer.SendBytes([]byte("x"), 0))
	require.NoError(t, f.producer.SendBytes([]byte("y"), 0))

	require.Equal(t, []byte("x"), recvTimeout(t, f.consumer, 5*time.Second).Bytes())
	require.Equal(t, []byte("y"), recvTimeout(t, f.consumer, 5*time.Second).Bytes())
	require.Equal(t, []byte("x"), recvTimeout(t, tap, 5*time.Second).Bytes())
	require.Equal(t, []byte("y"), recvTimeout(t, tap, 5*time.Second).Bytes())

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.DeviceForwarded.WithLabelValues(dirIn)))

	require.NoError(t, d.Stop())
	require.Equal(t, DeviceStopped, d.State())
}

func TestFullMonitorDoesNotStall(t *testing.T) {
	ctx, metrics := newTestContext(t)
	f := newStreamerFixture(t, ctx)

	// never attached, so its queue fills after one message
	monitor := newTestSocket(t, ctx, Push)
	require.NoError(t, monitor.SetOption(OptSendHWM, 1))

	d, err := NewDevice(Streamer, f.frontend, f.backend, WithMonitor(monitor))
	require.NoError(t, err)
	startDevice(t, d)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, f.producer.SendBytes([]byte{byte(i)}, 0))
	}
	for i := 0; i < n; i++ {
		require.Equal(t, []byte{byte(i)}, recvTimeout(t, f.consumer, 5*time.Second).Bytes())
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MonitorDropped) == n-1
	}, time.Second, 5*time.Millisecond)
}

func TestStopWithDeepBacklog(t *testing.T) {
	ctx, _ := newTestContext(t)
	f := newStreamerFixture(t, ctx)
	require.NoError(t, f.frontend.SetOption(OptRecvHWM, 0))
	require.NoError(t, f.backend.SetOption(OptSendHWM, 0))

	const n = 50000
	for i := 0; i < n; i++ {
		require.NoError(t, f.producer.SendBytes([]byte("m"), 0))
	}
	require.Eventually(t, func() bool { return f.frontend.in.len() == n }, 30*time.Second, 10*time.Millisecond)

	d, err := NewDevice(Streamer, f.frontend, f.backend)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	time.Sleep(time.Millisecond)
	require.NoError(t, d.Stop())
	require.Equal(t, DeviceStopped, d.State())

	// the stop is observed between messages, not after the backlog drains
	left := f.frontend.in.len()
	require.Positive(t, left)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, left, f.frontend.in.len())
}

func TestMonitorPrefixes(t *testing.T) {
	ctx, _ := newTestContext(t)
	f := newStreamerFixture(t, ctx)
	monitor := newTestSocket(t, ctx, Pair)
	tap := newTestSocket(t, ctx, Pair)
	pair(t, monitor, tap)

	d, err := NewDevice(Streamer, f.frontend, f.backend,
		WithMonitor(monitor), WithMonitorPrefixes([]byte("in"), []byte("out")))
	require.NoError(t, err)
	startDevice(t, d)

	require.NoError(t, f.producer.SendBytes([]byte("body"), 0))
	recvTimeout(t, f.consumer, 5*time.Second)

	m := recvTimeout(t, tap, 5*time.Second)
	require.Equal(t, [][]byte{[]byte("in"), []byte("body")}, m.Frames())
}

func TestQueueDeviceRequestReply(t *testing.T) {
	ctx, _ := newTestContext(t)
	client := newTestSocket(t, ctx, Req)
	frontend := newTestSocket(t, ctx, Router)
	backend := newTestSocket(t, ctx, Dealer)
	worker := newTestSocket(t, ctx, Rep)
	pair(t, frontend, client)
	pair(t, backend, worker)

	d, err := NewDevice(Queue, frontend, backend)
	require.NoError(t, err)
	startDevice(t, d)

	for i := 0; i < 3; i++ {
		require.NoError(t, client.SendBytes([]byte("ping"), 0))
		require.Equal(t, []byte("ping"), recvTimeout(t, worker, 5*time.Second).Bytes())
		require.NoError(t, worker.SendBytes([]byte("pong"), 0))
		require.Equal(t, []byte("pong"), recvTimeout(t, client, 5*time.Second).Bytes())
	}
}

func TestForwarderDevice(t *testing.T) {
	ctx, _ := newTestContext(t)
	pub := newTestSocket(t, ctx, Pub)
	frontend := newTestSocket(t, ctx, Sub)
	backend := newTestSocket(t, ctx, Pub)
	sub := newTestSocket(t, ctx, Sub)

	require.NoError(t, frontend.Subscribe(""))
	require.NoError(t, sub.Subscribe("news"))
	pair(t, pub, frontend)
	pair(t, backend, sub)

	d, err := NewDevice(Forwarder, frontend, backend)
	require.NoError(t, err)
	startDevice(t, d)

	waitForSubscriber(t, pub, sub, "news-sync")
	require.NoError(t, pub.SendBytes([]byte("weather"), 0))
	require.NoError(t, pub.SendBytes([]byte("news-1"), 0))
	require.Equal(t, []string{"news-1"}, collectUntil(t, sub, "news-1"))
}

func TestDeviceStartTwice(t *testing.T) {
	ctx, _ := newTestContext(t)
	f := newStreamerFixture(t, ctx)

	d, err := NewDevice(Streamer, f.frontend, f.backend)
	require.NoError(t, err)
	require.Equal(t, DeviceCreated, d.State())
	require.Nil(t, d.Done())

	startDevice(t, d)
	require.ErrorIs(t, d.Start(), ErrState)
	require.ErrorIs(t, d.Run(context.Background()), ErrState)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Start())
	require.Equal(t, DeviceRunning, d.State())
}

func TestDeviceStopsWhenSocketCloses(t *testing.T) {
	ctx, _ := newTestContext(t)
	f := newStreamerFixture(t, ctx)

	d, err := NewDevice(Streamer, f.frontend, f.backend)
	require.NoError(t, err)
	startDevice(t, d)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.backend.Close())

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("device still running after backend closed")
	}
	require.ErrorIs(t, d.Err(), ErrPoll)
	require.Equal(t, DeviceStopped, d.State())
}

func TestDeviceRunUntilCancel(t *testing.T) {
	ctx, _ := newTestContext(t)
	f := newStreamerFixture(t, ctx)

	d, err := NewDevice(Streamer, f.frontend, f.backend)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(cctx) }()

	require.NoError(t, f.producer.SendBytes([]byte("run"), 0))
	require.Equal(t, []byte("run"), recvTimeout(t, f.consumer, 5*time.Second).Bytes())

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewDeviceValidation(t *testing.T) {
	ctx, _ := newTestContext(t)
	pull := newTestSocket(t, ctx, Pull)
	push := newTestSocket(t, ctx, Push)
	router := newTestSocket(t, ctx, Router)

	_, err := NewDevice(Streamer, push, pull)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(Forwarder, pull, push)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(Streamer, pull, pull)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(Streamer, nil, push)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(DeviceType(9), pull, push)
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(Streamer, pull, push, WithMonitor(router))
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewDevice(Streamer, pull, push, WithMonitor(push))
	require.ErrorIs(t, err, ErrConfig)
}

func TestParseDeviceType(t *testing.T) {
	for _, typ := range []DeviceType{Queue, Forwarder, Streamer} {
		got, err := ParseDeviceType(typ.String())
		require.NoError(t, err)
		require.Equal(t, typ, got)
	}
	got, err := ParseDeviceType("STREAMER")
	require.NoError(t, err)
	require.Equal(t, Streamer, got)

	_, err = ParseDeviceType("proxy")
	require.ErrorIs(t, err, ErrConfig)
}
