// Package http provides the REST API, health checks, Prometheus metrics and the
// websocket event feed.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/scheduler"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports job queue statistics.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// ScheduleLister lists the cron schedules that start runs.
type ScheduleLister interface {
	Schedules() []scheduler.ScheduleStatus
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithDatabase checks the database in the health and readiness probes.
func WithDatabase(pool Pinger) Option {
	return func(s *Server) {
		s.pool = pool
	}
}

// WithScheduler exposes queue statistics.
func WithScheduler(stats StatsProvider) Option {
	return func(s *Server) {
		s.scheduler = stats
	}
}

// WithLauncher exposes the run schedules.
func WithLauncher(launcher ScheduleLister) Option {
	return func(s *Server) {
		s.launcher = launcher
	}
}

// WithHub serves the websocket event feed.
func WithHub(hub *Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithMetrics serves handler on /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	server    *http.Server
	router    chi.Router
	handler   *Handler
	pool      Pinger
	scheduler StatsProvider
	launcher  ScheduleLister
	hub       *Hub
	metrics   http.Handler
	logger    *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(address string, runs RunService, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(runs, logger),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()

	s.server = &http.Server{
		Addr:         address,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeWS(w, r, s.logger)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/schedules", s.handleSchedules)
		r.Post("/plan", s.handler.HandlePlan)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handler.HandleListRuns)
			r.Post("/", s.handler.HandleStartRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handler.HandleGetRun)
				r.Delete("/", s.handler.HandleStopRun)
			})
		})
	})
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs every request with its status and duration.
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// Version is reported by the health endpoint.
var Version = "dev"

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Services: make(map[string]string),
	}

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			response.Services["postgres"] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
		} else {
			response.Services["postgres"] = "healthy"
		}
	} else {
		response.Services["postgres"] = "not configured"
	}

	if s.scheduler != nil {
		response.Services["scheduler"] = "healthy"
	} else {
		response.Services["scheduler"] = "not configured"
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness probe).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness probe).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database unavailable: " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StatsResponse represents the stats response.
type StatsResponse struct {
	ActiveRuns int              `json:"active_runs"`
	Scheduler  SchedulerMetrics `json:"scheduler"`
}

// SchedulerMetrics represents scheduler-related metrics.
type SchedulerMetrics struct {
	ActiveJobs     int   `json:"active_jobs"`
	QueueLength    int   `json:"queue_length"`
	WorkerCount    int   `json:"worker_count"`
	PendingJobs    int   `json:"pending_jobs"`
	RunningJobs    int   `json:"running_jobs"`
	CompletedToday int   `json:"completed_today"`
	FailedToday    int   `json:"failed_today"`
	AvgWaitTimeMs  int64 `json:"avg_wait_time_ms"`
	AvgRunTimeMs   int64 `json:"avg_run_time_ms"`
}

// handleStats handles the /api/v1/stats endpoint.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{ActiveRuns: s.handler.runs.ActiveRuns()}

	if s.scheduler != nil {
		stats := s.scheduler.GetStats()
		response.Scheduler = SchedulerMetrics{
			ActiveJobs:     getInt(stats, "active_jobs"),
			QueueLength:    getInt(stats, "queue_length"),
			WorkerCount:    getInt(stats, "worker_count"),
			PendingJobs:    getInt(stats, "pending_jobs"),
			RunningJobs:    getInt(stats, "running_jobs"),
			CompletedToday: getInt(stats, "completed_today"),
			FailedToday:    getInt(stats, "failed_today"),
			AvgWaitTimeMs:  int64(getInt(stats, "avg_wait_time_ms")),
			AvgRunTimeMs:   int64(getInt(stats, "avg_run_time_ms")),
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleSchedules handles the /api/v1/schedules endpoint.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	schedules := []scheduler.ScheduleStatus{}
	if s.launcher != nil {
		schedules = s.launcher.Schedules()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

// getInt safely extracts an int from a map.
func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case int32:
			return int(val)
		case int64:
			return int(val)
		}
	}
	return 0
}
