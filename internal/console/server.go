// Package console is the admin layer: it drives the backend proxy, keeps
// user secrets locally and normalizes holdings for display.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/normalize"
	"github.com/aristath/brokerconsole/internal/secrets"
	"github.com/aristath/brokerconsole/internal/server"
)

// Backend is the backend API the console drives
type Backend interface {
	ListUsers(ctx context.Context) ([]server.UserSummary, error)
	RegisterUser(ctx context.Context, userID string) (*aggregator.RegisteredUser, error)
	DeleteUser(ctx context.Context, userID string) (*aggregator.DeletedUser, error)
	CreateConnection(ctx context.Context, userID, secret, broker string) (*aggregator.LoginRedirect, error)
	ListAccounts(ctx context.Context, userID, secret string) ([]byte, error)
	GetHoldings(ctx context.Context, userID, secret, accountID string) ([]byte, error)
}

// Config holds console server configuration
type Config struct {
	Log        zerolog.Logger
	Port       int
	BackendURL string
	Backend    Backend
	Secrets    secrets.Store
}

// Server is the console HTTP server
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	port       int
	backendURL string
	backend    Backend
	secrets    secrets.Store
}

// ConsoleUser is a user as the console shows it
type ConsoleUser struct {
	UserID      string `json:"userId"`
	HasSecret   bool   `json:"hasSecret"`
	SecretLocal bool   `json:"secretLocal"`
}

// New creates the console server
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "console").Logger(),
		port:       cfg.Port,
		backendURL: cfg.BackendURL,
		backend:    cfg.Backend,
		secrets:    cfg.Secrets,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(90 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/connections/complete", s.handleConnectionComplete)

	s.router.Route("/console/users", func(r chi.Router) {
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
	s.log.Info().Int("port", s.port).Str("backend", s.backendURL).Msg("Starting console")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "brokerconsole-console",
		"backend": s.backendURL,
	})
}

// handleConnectionComplete is where the connection portal sends users back
func (s *Server) handleConnectionComplete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.log.Info().Str("status", q.Get("status")).Msg("Connection portal returned")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":       "complete",
		"portalStatus": q.Get("status"),
		"connectionId": q.Get("connection_id"),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.backend.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	local := s.localSecrets(r.Context())
	out := make([]ConsoleUser, 0, len(users))
	for _, u := range users {
		_, isLocal := local[u.UserID]
		out = append(out, ConsoleUser{
			UserID:      u.UserID,
			HasSecret:   u.HasSecret || isLocal,
			SecretLocal: isLocal,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	user, err := s.backend.RegisterUser(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.secrets.Put(r.Context(), user.UserID, user.UserSecret); err != nil {
		s.log.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to store user secret locally")
	}

	s.writeJSON(w, http.StatusCreated, ConsoleUser{UserID: user.UserID, HasSecret: true, SecretLocal: true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	result, err := s.backend.DeleteUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.secrets.Delete(r.Context(), userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to forget local secret")
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	redirect, err := s.backend.CreateConnection(r.Context(), userID, s.secretFor(r.Context(), userID), r.URL.Query().Get("broker"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, redirect)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	body, err := s.backend.ListAccounts(r.Context(), userID, s.secretFor(r.Context(), userID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := normalize.NormalizeJSON(body)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"accounts": normalize.NormalizeAccountList(result.Raw),
		"raw":      result.Raw,
	})
}

func (s *Server) handleGetHoldings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	body, err := s.backend.GetHoldings(r.Context(), userID, s.secretFor(r.Context(), userID), chi.URLParam(r, "accountId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, normalize.NormalizeJSON(body))
}

// secretFor reads the local secret store. A missing secret is sent as empty
// and the backend falls back to its own cache.
func (s *Server) secretFor(ctx context.Context, userID string) string {
	secret, err := s.secrets.Get(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read local secret")
		return ""
	}
	return secret
}

func (s *Server) localSecrets(ctx context.Context) map[string]string {
	all, err := s.secrets.All(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read local secrets")
		return map[string]string{}
	}
	return all
}

var errBadRequest = errors.New("invalid request body")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *aggregator.UpstreamError
	if errors.As(err, &apiErr) {
		s.writeJSON(w, apiErr.Status, apiErr)
		return
	}

	status := http.StatusBadGateway
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
	} else {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Backend call failed")
	}
	s.writeJSON(w, status, &aggregator.UpstreamError{
		Message: err.Error(),
		Status:  status,
		URL:     r.URL.Path,
		Method:  r.Method,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
