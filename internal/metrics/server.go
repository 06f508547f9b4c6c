package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsServer serves the operational endpoints: /healthz for liveness and
// /metrics for Prometheus scrapes. It binds a private registry so only the
// scheduler's own collectors (plus Go runtime collectors) are exposed.
type OpsServer struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewRegistry creates the process metrics registry with the standard Go
// runtime collectors pre-registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewOpsServer creates the ops HTTP server on addr.
func NewOpsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *OpsServer {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &OpsServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in the calling goroutine. It returns when the server
// is shut down; http.ErrServerClosed is swallowed as a normal exit.
func (s *OpsServer) Start() error {
	s.logger.Info("ops server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
