package mq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, workers int) *ioPool {
	t.Helper()
	pool, err := newIOPool(workers, zaptest.NewLogger(t), NewMetrics("t", nil))
	require.NoError(t, err)
	return pool
}

func TestIOPoolRunsTasks(t *testing.T) {
	pool := newTestPool(t, 4)

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, pool.submit("count", func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		}))
	}
	wg.Wait()
	require.NoError(t, pool.shutdown(time.Second))

	require.EqualValues(t, 100, atomic.LoadInt64(&n))
	stats := pool.stats()
	require.Equal(t, 4, stats.Workers)
	require.EqualValues(t, 100, stats.Completed)
	require.Zero(t, stats.Active)
}

func TestIOPoolRecoversPanics(t *testing.T) {
	pool := newTestPool(t, 1)

	done := make(chan struct{})
	require.NoError(t, pool.submit("boom", func() { panic("boom") }))
	require.NoError(t, pool.submit("after", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died with the panicking task")
	}
	require.NoError(t, pool.shutdown(time.Second))
	require.EqualValues(t, 1, pool.stats().Panicked)
}

func TestIOPoolRejectsAfterShutdown(t *testing.T) {
	pool := newTestPool(t, 1)
	require.NoError(t, pool.shutdown(-1))
	require.NoError(t, pool.shutdown(-1))
	require.Error(t, pool.submit("late", func() {}))
}

func TestIOPoolShutdownTimeout(t *testing.T) {
	pool := newTestPool(t, 1)
	release := make(chan struct{})
	require.NoError(t, pool.submit("slow", func() { <-release }))

	require.Error(t, pool.shutdown(10*time.Millisecond))
	close(release)
}
