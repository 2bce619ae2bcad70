package mq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as metric labels.
const (
	dropHWM        = "hwm"
	dropUnroutable = "unroutable"
	dropLinger     = "linger"
	dropFilter     = "filtered"
	dropStale      = "stale"
	dropClosed     = "closed"
)

// Metrics holds the Prometheus collectors of the runtime.
type Metrics struct {
	// Socket metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	WouldBlock       *prometheus.CounterVec
	SocketsOpen      prometheus.Gauge

	// Poller metrics
	PollWait prometheus.Histogram

	// Device metrics
	DeviceForwarded *prometheus.CounterVec
	DeviceDropped   *prometheus.CounterVec
	MonitorDropped  prometheus.Counter

	// I/O pool metrics
	IOPoolActive  prometheus.Gauge
	IOPoolPending prometheus.Gauge
}

// DefaultMetrics registers with the default Prometheus registry.
var DefaultMetrics = NewMetrics("zsock", prometheus.DefaultRegisterer)

// NewMetrics creates collectors under namespace and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport, by socket pattern",
		}, []string{"pattern"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered to the application, by socket pattern",
		}, []string{"pattern"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded by the runtime, by pattern and reason",
		}, []string{"pattern", "reason"}),
		WouldBlock: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "would_block_total",
			Help:      "Operations that returned a would-block error, by pattern and operation",
		}, []string{"pattern", "op"}),
		SocketsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_open",
			Help:      "Sockets created and not yet torn down",
		}),

		PollWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_wait_seconds",
			Help:      "Time spent inside Poller.Poll",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		DeviceForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_forwarded_total",
			Help:      "Messages relayed by devices, by direction",
		}, []string{"direction"}),
		DeviceDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_dropped_total",
			Help:      "Messages devices dropped on backpressure, by direction",
		}, []string{"direction"}),
		MonitorDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_monitor_dropped_total",
			Help:      "Monitor copies that could not be queued",
		}),

		IOPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "io_pool_active",
			Help:      "I/O workers currently running a task",
		}),
		IOPoolPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "io_pool_pending",
			Help:      "Tasks waiting for an I/O worker",
		}),
	}
}

func (m *Metrics) recordSent(p Pattern) {
	m.MessagesSent.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) recordReceived(p Pattern) {
	m.MessagesReceived.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) recordDropped(p Pattern, reason string, n int) {
	m.MessagesDropped.WithLabelValues(p.String(), reason).Add(float64(n))
}

func (m *Metrics) recordWouldBlock(p Pattern, op string) {
	m.WouldBlock.WithLabelValues(p.String(), op).Inc()
}

func (m *Metrics) recordPoll(d time.Duration) {
	m.PollWait.Observe(d.Seconds())
}
