package mq

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestContext returns a context with private metrics, terminated when the
// test ends.
func newTestContext(t *testing.T) (*Context, *Metrics) {
	t.Helper()
	metrics := NewMetrics("test", prometheus.NewRegistry())
	ctx, err := NewContext(2, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Terminate(time.Second) })
	return ctx, metrics
}

func newTestSocket(t *testing.T, ctx *Context, p Pattern) *Socket {
	t.Helper()
	s, err := ctx.Socket(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func inprocEndpoint() string {
	return "inproc://test-" + uuid.NewString()
}

// pair binds a and connects b on a fresh inproc endpoint.
func pair(t *testing.T, a, b *Socket) {
	t.Helper()
	ep := inprocEndpoint()
	require.NoError(t, a.Bind(ep))
	require.NoError(t, b.Connect(ep))
}

func recvTimeout(t *testing.T, s *Socket, d time.Duration) *Message {
	t.Helper()
	require.NoError(t, s.SetOption(OptRecvTimeoutMS, int(d/time.Millisecond)))
	m, err := s.Recv(0)
	require.NoError(t, err)
	return m
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	return testutil.ToFloat64(c)
}
