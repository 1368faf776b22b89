// Package health serves probe and metrics endpoints for the controller.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// Server exposes /healthz and /readyz. Readiness flips once the pod watch is open.
type Server struct {
	watching     atomic.Bool
	shuttingDown atomic.Bool
	server       *http.Server
}

// NewServer creates a probe server on the given address (e.g., ":8081").
func NewServer(addr string) *Server {
	s := &Server{}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// MarkReady signals that the watch is established.
func (s *Server) MarkReady() {
	s.watching.Store(true)
}

// MarkNotReady fails readiness during shutdown. Liveness is unaffected.
func (s *Server) MarkNotReady() {
	s.shuttingDown.Store(true)
}

// IsShuttingDown reports whether MarkNotReady was called.
func (s *Server) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Start serves probes until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return serve(ctx, "health", s.server)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.watching.Load() && !s.shuttingDown.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// MetricsServer serves /metrics on a dedicated port (separate from probes).
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves the metrics gathered by g.
func NewMetricsServer(addr string, g prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start serves metrics until ctx is cancelled.
func (ms *MetricsServer) Start(ctx context.Context) error {
	return serve(ctx, "metrics", ms.server)
}

func serve(ctx context.Context, name string, srv *http.Server) error {
	log := logf.FromContext(ctx).WithName(name)

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "server error")
		return err
	}
	return nil
}
