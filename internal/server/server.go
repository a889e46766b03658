// Package server provides the HTTP surface of the engine: cycle execution,
// result queries, job submission and the remote-node websocket endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/remote"
	"github.com/KrisLee/OG-Platform/internal/results"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
	"github.com/KrisLee/OG-Platform/internal/viewproc"
)

// JobExecutor runs a single calculation job. A local calculation node
// satisfies it.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job calcjob.Job) calcjob.JobResult
}

// Config holds server dependencies.
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	Registry    *function.Registry
	Processor   *viewproc.Processor
	Results     *results.Store
	CacheSource viewcache.Source
	Executor    JobExecutor
	Hub         *remote.Hub
	Databases   []*database.DB
}

// Server is the HTTP server.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	registry    *function.Registry
	processor   *viewproc.Processor
	results     *results.Store
	cacheSource viewcache.Source
	executor    JobExecutor
	hub         *remote.Hub
	databases   []*database.DB
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		registry:    cfg.Registry,
		processor:   cfg.Processor,
		results:     cfg.Results,
		cacheSource: cfg.CacheSource,
		executor:    cfg.Executor,
		hub:         cfg.Hub,
		databases:   cfg.Databases,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router returns the configured router. Used by tests to mount the server
// on an httptest listener.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Remote calculation nodes connect here. The websocket endpoint sits
	// outside /api so the timeout middleware there never applies to it.
	if s.hub != nil {
		s.router.Get("/ws/nodes", s.hub.ServeHTTP)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system/status", s.handleSystemStatus)
		r.Get("/functions", s.handleListFunctions)
		r.Post("/jobs", s.handleExecuteJob)

		r.Route("/cycles", func(r chi.Router) {
			r.Post("/", s.handleExecuteCycle)
			r.Get("/summary", s.handleCycleSummary)
			r.Get("/failures", s.handleCycleFailures)
			r.Get("/values", s.handleCycleValues)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
