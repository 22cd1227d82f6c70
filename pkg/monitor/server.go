package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/events"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
)

// Config configures the monitor's two HTTP servers, matching spec.md §6's
// monitor.* keys.
type Config struct {
	HealthAddr string
	APIAddr    string
}

// Server is the C6 monitor: a health-check listener and a metrics/API
// listener, each a plain net/http server routed with gorilla/mux.
type Server struct {
	cfg       Config
	healthSrv *http.Server
	apiSrv    *http.Server
	snapshot  *Snapshot
	metrics   *Metrics
	registry  *prometheus.Registry
}

// New wires the monitor's routers and metric registry around st and bus.
// storeHealthy, sourceHealthy, and destinationHealthy report the most
// recent result of the processor's periodic health-probe job (see
// internal/relayer's probeHealth); a nil probe is treated as always healthy.
func New(cfg Config, st store.Store, bus *events.Bus, storeHealthy, sourceHealthy, destinationHealthy ComponentHealth) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	snapshot := NewSnapshot()
	handler := NewHandler(st, snapshot, storeHealthy, sourceHealthy, destinationHealthy)

	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/health", handler.handleHealth).Methods(http.MethodGet)

	apiRouter := mux.NewRouter()
	handler.Register(apiRouter)
	apiRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &Server{
		cfg:      cfg,
		snapshot: snapshot,
		metrics:  metrics,
		registry: registry,
		healthSrv: &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           healthRouter,
			ReadHeaderTimeout: 5 * time.Second,
		},
		apiSrv: &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           apiRouter,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Metrics exposes the server's registered collectors so other components
// (watcher, processor) can record against the same registry.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Snapshot exposes the server's live-updated aggregate view.
func (s *Server) Snapshot() *Snapshot { return s.snapshot }

// Start begins reconciling the snapshot and serving both listeners. It
// returns once both are listening; serve errors are logged asynchronously.
func (s *Server) Start(ctx context.Context, st store.Store, bus *events.Bus) {
	go s.snapshot.Run(ctx, st, bus, 15*time.Second)

	go func() {
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", s.cfg.HealthAddr).Msg("monitor: health server stopped")
		}
	}()
	go func() {
		if err := s.apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", s.cfg.APIAddr).Msg("monitor: api server stopped")
		}
	}()
	log.Info().Str("health_addr", s.cfg.HealthAddr).Str("api_addr", s.cfg.APIAddr).Msg("monitor: listening")
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.healthSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor: shutdown health server: %w", err)
	}
	if err := s.apiSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor: shutdown api server: %w", err)
	}
	return nil
}
