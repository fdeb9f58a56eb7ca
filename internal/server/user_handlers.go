package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aristath/brokerconsole/internal/aggregator"
)

const (
	userSecretHeader = "X-User-Secret"
	connectionsPath  = "/connections/complete"
)

var errBadRequestBody = errors.New("request body is not valid JSON")

// UserSummary is one entry of GET /api/users
type UserSummary struct {
	UserID     string `json:"userId"`
	UserSecret string `json:"userSecret,omitempty"`
	HasSecret  bool   `json:"hasSecret"`
}

type registerRequest struct {
	UserID string `json:"userId"`
}

type connectionRequest struct {
	UserSecret     string `json:"userSecret"`
	Broker         string `json:"broker"`
	ConnectionType string `json:"connectionType"`
	Reconnect      string `json:"reconnect"`
}

// handleListUsers lists registered users, attaching any cached secret
// GET /api/users
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.aggregator.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cached := map[string]string{}
	if s.secrets != nil {
		if all, err := s.secrets.All(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Failed to read cached secrets")
		} else {
			cached = all
		}
	}

	out := make([]UserSummary, 0, len(users))
	for _, id := range users {
		secret := cached[id]
		out = append(out, UserSummary{UserID: id, UserSecret: secret, HasSecret: secret != ""})
	}

	s.writeJSON(w, http.StatusOK, out)
}

// handleRegisterUser registers a user after a best-effort existence check
// POST /api/users
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}

	existing, err := s.aggregator.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, id := range existing {
		if id == userID {
			s.writeJSON(w, http.StatusConflict, &aggregator.UpstreamError{
				Message: fmt.Sprintf("user %s already exists", userID),
				Code:    "USER_EXISTS",
				Status:  http.StatusConflict,
				URL:     r.URL.Path,
				Method:  r.Method,
			})
			return
		}
	}

	user, err := s.aggregator.RegisterUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.secrets != nil {
		if err := s.secrets.Put(r.Context(), user.UserID, user.UserSecret); err != nil {
			s.log.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to cache user secret")
		}
	}

	s.log.Info().Str("user_id", user.UserID).Msg("User registered")
	s.writeJSON(w, http.StatusCreated, user)
}

// handleDeleteUser deletes a user upstream and forgets its secret
// DELETE /api/users/{userId}
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	result, err := s.aggregator.DeleteUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.secrets != nil {
		if err := s.secrets.Delete(r.Context(), userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to remove cached secret")
		}
	}

	s.log.Info().Str("user_id", userID).Msg("User deleted")
	s.writeJSON(w, http.StatusOK, result)
}

// handleCreateConnection returns a connection portal redirect
// POST /api/users/{userId}/connections
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	creds, err := s.credentials(r, req.UserSecret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := aggregator.LoginOptions{
		Broker:         req.Broker,
		ConnectionType: req.ConnectionType,
		Reconnect:      req.Reconnect,
	}
	if s.frontendURL != "" {
		opts.CustomRedirect = s.frontendURL + connectionsPath
	}

	redirect, err := s.aggregator.Login(r.Context(), creds, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, redirect)
}

// handleListAccounts proxies the user's accounts
// GET /api/users/{userId}/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := s.aggregator.ListAccounts(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeRawJSON(w, body)
}

// handleGetHoldings proxies one account's holdings
// GET /api/users/{userId}/accounts/{accountId}/holdings
func (s *Server) handleGetHoldings(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := s.aggregator.GetHoldings(r.Context(), creds, chi.URLParam(r, "accountId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeRawJSON(w, body)
}

// credentials resolves the user secret from the header, then the query string,
// then the request body, then the secret store.
func (s *Server) credentials(r *http.Request, bodySecret string) (aggregator.Credentials, error) {
	creds := aggregator.Credentials{UserID: chi.URLParam(r, "userId")}
	if creds.UserID == "" {
		return creds, aggregator.ErrMissingUserID
	}

	for _, candidate := range []string{
		r.Header.Get(userSecretHeader),
		r.URL.Query().Get("userSecret"),
		bodySecret,
	} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			creds.UserSecret = candidate
			return creds, nil
		}
	}

	if s.secrets != nil {
		secret, err := s.secrets.Get(r.Context(), creds.UserID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", creds.UserID).Msg("Failed to read cached secret")
		}
		creds.UserSecret = secret
	}

	if creds.UserSecret == "" {
		return creds, aggregator.ErrMissingUserSecret
	}
	return creds, nil
}

// decodeOptionalJSON decodes the body into v; an empty body leaves v untouched
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errBadRequestBody, err)
}
