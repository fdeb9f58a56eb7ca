// Package server provides the HTTP server and routing for the backend proxy.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/database"
	"github.com/aristath/brokerconsole/internal/scheduler"
	"github.com/aristath/brokerconsole/internal/secrets"
)

// Aggregator is the subset of the aggregator client the routes proxy to
type Aggregator interface {
	ListUsers(ctx context.Context) ([]string, error)
	RegisterUser(ctx context.Context, userID string) (*aggregator.RegisteredUser, error)
	DeleteUser(ctx context.Context, userID string) (*aggregator.DeletedUser, error)
	Login(ctx context.Context, creds aggregator.Credentials, opts aggregator.LoginOptions) (*aggregator.LoginRedirect, error)
	ListAccounts(ctx context.Context, creds aggregator.Credentials) (json.RawMessage, error)
	GetHoldings(ctx context.Context, creds aggregator.Credentials, accountID string) (json.RawMessage, error)
}

// StatusSource reports the latest aggregator status check
type StatusSource interface {
	Last() (scheduler.UpstreamStatus, bool)
}

// Config holds server configuration
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	FrontendURL string
	Aggregator  Aggregator
	Secrets     secrets.Store
	DB          *database.DB
	Upstream    StatusSource
	Gatherer    prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	port        int
	frontendURL string
	aggregator  Aggregator
	secrets     secrets.Store
	db          *database.DB
	upstream    StatusSource
	gatherer    prometheus.Gatherer
	startedAt   time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		port:        cfg.Port,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		aggregator:  cfg.Aggregator,
		secrets:     cfg.Secrets,
		db:          cfg.DB,
		upstream:    cfg.Upstream,
		gatherer:    gatherer,
		startedAt:   time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", userSecretHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/users", func(r chi.Router) {
		r.Get("/", s.handleListUsers)
		r.Post("/", s.handleRegisterUser)

		r.Route("/{userId}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteUser)
			r.Post("/connections", s.handleCreateConnection)
			r.Get("/accounts", s.handleListAccounts)
			r.Get("/accounts/{accountId}/holdings", s.handleGetHoldings)
		})
	})
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.log.Info()
		// Health polling would otherwise drown the log
		if r.URL.Path == "/status" && ww.Status() < 400 {
			event = s.log.Debug()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
