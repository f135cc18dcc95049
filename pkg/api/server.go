// Package api exposes baton's HTTP and WebSocket surface: job submission
// and inspection, agent registry operations, routing statistics, health,
// Prometheus metrics, and the live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/coordination"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/orchestrator"
	"github.com/batonworks/baton/pkg/store"
)

// Server is the API server.
type Server struct {
	executor  *orchestrator.Executor
	discovery *coordination.Discovery
	router    *coordination.Router
	health    *coordination.HealthMonitor
	manager   *events.ConnectionManager
	store     store.Store
	gatherer  prometheus.Gatherer
	cfg       config.ServerConfig
	log       *slog.Logger
}

// NewServer wires the API server. gatherer may be nil to disable /metrics.
func NewServer(
	executor *orchestrator.Executor,
	discovery *coordination.Discovery,
	router *coordination.Router,
	health *coordination.HealthMonitor,
	manager *events.ConnectionManager,
	st store.Store,
	gatherer prometheus.Gatherer,
	cfg config.ServerConfig,
) *Server {
	return &Server{
		executor:  executor,
		discovery: discovery,
		router:    router,
		health:    health,
		manager:   manager,
		store:     st,
		gatherer:  gatherer,
		cfg:       cfg,
		log:       slog.With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.cfg.RequestsPerSecond > 0 {
		r.Use(s.rateLimit())
	}

	r.GET("/healthz", s.healthHandler)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/jobs", s.createJobHandler)
	v1.GET("/jobs", s.listJobsHandler)
	v1.GET("/jobs/:id", s.getJobHandler)
	v1.POST("/jobs/:id/cancel", s.cancelJobHandler)
	v1.GET("/jobs/:id/events", s.jobEventsHandler)

	v1.GET("/agents", s.listAgentsHandler)
	v1.POST("/agents/discover", s.discoverAgentsHandler)
	v1.POST("/agents/:id/heartbeat", s.heartbeatHandler)
	v1.DELETE("/agents/:id", s.deregisterHandler)

	v1.GET("/routing/statistics", s.routingStatisticsHandler)

	r.GET("/ws", s.wsGlobalHandler)
	r.GET("/ws/jobs/:id", s.wsJobHandler)
	return r
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("API server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
