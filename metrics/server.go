// Package metrics exposes Prometheus collectors for the attestation engine and
// the HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics from a dedicated registry.
type MetricsServer struct {
	registry  *prometheus.Registry
	collector *Collector
	srv       *http.Server
}

// New creates a metrics server listening on addr. Collectors are registered on
// a fresh registry so several servers can coexist in one process.
func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		registry:  reg,
		collector: NewCollector(namespace, reg),
		srv:       &http.Server{Addr: addr, Handler: mux},
	}, nil
}

// Collector returns the engine collectors bound to this server's registry.
func (m *MetricsServer) Collector() *Collector {
	return m.collector
}

// Handler returns the /metrics handler.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
