package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"github.com/stagehand/asset-pipeline/pkg/middleware"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	healthCheckTimeout      = 3 * time.Second
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsServer serves /metrics and /healthz next to the workers.
type OpsServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
	checks      map[string]Pinger
}

func NewOpsServer(bindAddress string, listener net.Listener, registerer prometheus.Registerer, checks map[string]Pinger) *OpsServer {
	s := &OpsServer{
		bindAddress: bindAddress,
		listener:    listener,
		checks:      checks,
	}

	metricMiddleware := metrics.NewMiddleware("ops_server")
	metricMiddleware.MustRegister(registerer)

	router := chi.NewRouter()
	router.Use(
		metricMiddleware.Handler,
		middleware.RequestID,
		middleware.Logger("/metrics", "/healthz"),
		chiMiddleware.Recoverer,
	)
	router.Handle("/metrics", metrics.NewPrometheusMetricsHandler().Handler())
	router.Get("/healthz", s.health)

	s.httpServer = &http.Server{
		Addr:              bindAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *OpsServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			zap.S().Named("ops_server").Warnw("health check failed", "check", name, "error", err)
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}

	render.Status(r, status)
	render.JSON(w, r, report)
}

func (s *OpsServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.httpServer.SetKeepAlivesEnabled(false)
		_ = s.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("ops_server").Info("ops server terminated")
	}()

	zap.S().Named("ops_server").Infof("serving metrics and health: %s", s.bindAddress)
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
