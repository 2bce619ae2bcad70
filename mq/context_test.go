package mq

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewContextIOThreads(t *testing.T) {
	_, err := NewContext(0)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewContext(MaxIOThreads + 1)
	require.ErrorIs(t, err, ErrResource)

	ctx, err := NewContext(MaxIOThreads, WithMetrics(NewMetrics("t", nil)))
	require.NoError(t, err)
	require.Equal(t, MaxIOThreads, ctx.IOThreads())
	require.NoError(t, ctx.Terminate(time.Second))
}

func TestContextSocketLimit(t *testing.T) {
	ctx, err := NewContext(1,
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(NewMetrics("t", nil)),
		WithMaxSockets(2))
	require.NoError(t, err)
	defer func() { _ = ctx.Terminate(0) }()

	a, err := ctx.Socket(Pair)
	require.NoError(t, err)
	_, err = ctx.Socket(Pair)
	require.NoError(t, err)

	_, err = ctx.Socket(Pair)
	require.ErrorIs(t, err, ErrResource)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return ctx.NumSockets() == 1 }, time.Second, 5*time.Millisecond)
	_, err = ctx.Socket(Pair)
	require.NoError(t, err)
}

func TestContextUnknownPattern(t *testing.T) {
	ctx, _ := newTestContext(t)
	_, err := ctx.Socket(Pattern(99))
	require.ErrorIs(t, err, ErrConfig)
}

func TestTerminateIsIdempotent(t *testing.T) {
	metrics := NewMetrics("t", prometheus.NewRegistry())
	ctx, err := NewContext(2, WithMetrics(metrics))
	require.NoError(t, err)

	s, err := ctx.Socket(Push)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, ctx.Terminate(time.Second))
	require.Equal(t, Terminated, ctx.State())
	require.NoError(t, ctx.Terminate(time.Second))

	_, err = ctx.Socket(Pull)
	require.ErrorIs(t, err, ErrState)
	require.Zero(t, testutil.ToFloat64(metrics.SocketsOpen))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("Done not closed after Terminate")
	}
}

func TestConcurrentTerminate(t *testing.T) {
	ctx, err := NewContext(2, WithMetrics(NewMetrics("t", nil)))
	require.NoError(t, err)
	_, err = ctx.Socket(Pull)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ctx.Terminate(20 * time.Millisecond)
		}()
	}
	wg.Wait()
	require.Equal(t, Terminated, ctx.State())
	require.Zero(t, ctx.NumSockets())
}

func TestTerminateWakesBlockedCalls(t *testing.T) {
	ctx, err := NewContext(1, WithMetrics(NewMetrics("t", nil)))
	require.NoError(t, err)
	pull, err := ctx.Socket(Pull)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := pull.Recv(0)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = ctx.Terminate(-1)
		close(done)
	}()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("recv not woken by terminate")
	}

	// terminate waits for the socket to be closed
	select {
	case <-done:
		t.Fatal("terminate returned with an open socket")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, Terminating, ctx.State())

	require.NoError(t, pull.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminate did not finish after close")
	}
	require.Equal(t, Terminated, ctx.State())
}

func TestTerminateForcesAfterLinger(t *testing.T) {
	ctx, err := NewContext(1, WithMetrics(NewMetrics("t", nil)))
	require.NoError(t, err)

	push, err := ctx.Socket(Push)
	require.NoError(t, err)
	require.NoError(t, push.Bind(inprocEndpoint()))
	require.NoError(t, push.SendBytes([]byte("stuck"), 0))

	start := time.Now()
	require.NoError(t, ctx.Terminate(50*time.Millisecond))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Zero(t, ctx.NumSockets())

	_, err = push.Recv(DontWait)
	require.ErrorIs(t, err, ErrState)
}

func TestLingeringSocketDoesNotBlockOthers(t *testing.T) {
	ctx, err := NewContext(1, WithLogger(zaptest.NewLogger(t)), WithMetrics(NewMetrics("t", nil)))
	require.NoError(t, err)
	defer func() { _ = ctx.Terminate(0) }()

	// no peer and the default linger: this one flushes forever
	push, err := ctx.Socket(Push)
	require.NoError(t, err)
	require.NoError(t, push.Bind(inprocEndpoint()))
	require.NoError(t, push.SendBytes([]byte("stuck"), 0))
	require.NoError(t, push.Close())

	pull, err := ctx.Socket(Pull)
	require.NoError(t, err)
	require.NoError(t, pull.Bind("tcp://127.0.0.1:*"))
	ep := pull.LastEndpoint()
	require.NoError(t, pull.Close())

	require.Eventually(t, func() bool { return ctx.NumSockets() == 1 }, 2*time.Second, 5*time.Millisecond)

	again, err := ctx.Socket(Pull)
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.Bind(ep))
}

func TestContextStateString(t *testing.T) {
	require.Equal(t, "active", Active.String())
	require.Equal(t, "terminating", Terminating.String())
	require.Equal(t, "terminated", Terminated.String())
}
