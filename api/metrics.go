// Package api exposes runtime metrics and health over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthFunc reports nil while the process is healthy.
type HealthFunc func() error

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
	log    *zap.Logger
}

// NewMetricsServer creates a metrics server on addr serving gatherer. A nil
// gatherer serves the default registry; a nil health always reports OK.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, health HealthFunc, log *zap.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync listens on the configured address and serves in a goroutine.
// It returns the bound address.
func (s *MetricsServer) StartAsync() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	s.log.Info("metrics server listening", zap.Stringer("addr", ln.Addr()))
	return ln.Addr(), nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
