package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/scheduler"
	"github.com/aristath/brokerconsole/internal/secrets"
	testingutil "github.com/aristath/brokerconsole/internal/testing"
)

// fakeAggregator records calls and returns canned answers
type fakeAggregator struct {
	users      []string
	listErr    error
	registered []string
	deleted    []string
	lastCreds  aggregator.Credentials
	lastLogin  aggregator.LoginOptions
	lastAcct   string
	holdings   json.RawMessage
	upstreamFn func() error
}

func (f *fakeAggregator) ListUsers(context.Context) ([]string, error) {
	return f.users, f.listErr
}

func (f *fakeAggregator) RegisterUser(_ context.Context, userID string) (*aggregator.RegisteredUser, error) {
	f.registered = append(f.registered, userID)
	return &aggregator.RegisteredUser{UserID: userID, UserSecret: "secret-" + userID}, nil
}

func (f *fakeAggregator) DeleteUser(_ context.Context, userID string) (*aggregator.DeletedUser, error) {
	f.deleted = append(f.deleted, userID)
	return &aggregator.DeletedUser{Status: "deleted", UserID: userID}, nil
}

func (f *fakeAggregator) Login(_ context.Context, creds aggregator.Credentials, opts aggregator.LoginOptions) (*aggregator.LoginRedirect, error) {
	f.lastCreds = creds
	f.lastLogin = opts
	return &aggregator.LoginRedirect{RedirectURI: "https://portal/x", SessionID: "s1"}, nil
}

func (f *fakeAggregator) ListAccounts(_ context.Context, creds aggregator.Credentials) (json.RawMessage, error) {
	f.lastCreds = creds
	if f.upstreamFn != nil {
		if err := f.upstreamFn(); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`[{"id":"acc-1"}]`), nil
}

func (f *fakeAggregator) GetHoldings(_ context.Context, creds aggregator.Credentials, accountID string) (json.RawMessage, error) {
	f.lastCreds = creds
	f.lastAcct = accountID
	return f.holdings, nil
}

type fixedStatus struct {
	status scheduler.UpstreamStatus
}

func (f fixedStatus) Last() (scheduler.UpstreamStatus, bool) { return f.status, true }

func setupServer(t *testing.T, agg *fakeAggregator) (*Server, secrets.Store) {
	t.Helper()

	db, cleanup := testingutil.NewTestDB(t, "backend")
	t.Cleanup(cleanup)

	store := secrets.NewRepository(db.Conn())
	s := New(Config{
		Log:         zerolog.New(nil).Level(zerolog.Disabled),
		Port:        0,
		DevMode:     true,
		FrontendURL: "http://localhost:3001/",
		Aggregator:  agg,
		Secrets:     store,
		DB:          db,
		Upstream:    fixedStatus{scheduler.UpstreamStatus{Online: true, CheckedAt: time.Unix(0, 0).UTC()}},
		Gatherer:    prometheus.NewRegistry(),
	})
	return s, store
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) aggregator.UpstreamError {
	t.Helper()
	var payload aggregator.UpstreamError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&payload))
	return payload
}

func TestHandleStatus(t *testing.T) {
	s, _ := setupServer(t, &fakeAggregator{})

	w := do(t, s, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "ok", response.Database)
	require.NotNil(t, response.Upstream)
	assert.True(t, response.Upstream.Online)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupServer(t, &fakeAggregator{})

	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleListUsers_EnrichesWithCachedSecrets(t *testing.T) {
	s, store := setupServer(t, &fakeAggregator{users: []string{"alice", "bob"}})
	require.NoError(t, store.Put(context.Background(), "alice", "a-secret"))

	w := do(t, s, http.MethodGet, "/api/users", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var users []UserSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&users))
	assert.Equal(t, []UserSummary{
		{UserID: "alice", UserSecret: "a-secret", HasSecret: true},
		{UserID: "bob"},
	}, users)
}

func TestHandleRegisterUser(t *testing.T) {
	t.Run("registers and caches secret", func(t *testing.T) {
		agg := &fakeAggregator{users: []string{"bob"}}
		s, store := setupServer(t, agg)

		w := do(t, s, http.MethodPost, "/api/users", `{"userId":"alice"}`, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, []string{"alice"}, agg.registered)

		secret, err := store.Get(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "secret-alice", secret)
	})

	t.Run("conflict when user exists", func(t *testing.T) {
		agg := &fakeAggregator{users: []string{"alice"}}
		s, _ := setupServer(t, agg)

		w := do(t, s, http.MethodPost, "/api/users", `{"userId":"alice"}`, nil)
		require.Equal(t, http.StatusConflict, w.Code)
		assert.Empty(t, agg.registered)

		payload := decodeError(t, w)
		assert.Equal(t, "USER_EXISTS", payload.Code)
		assert.Equal(t, http.StatusConflict, payload.Status)
		assert.Equal(t, http.MethodPost, payload.Method)
	})

	t.Run("generates id when omitted", func(t *testing.T) {
		agg := &fakeAggregator{}
		s, _ := setupServer(t, agg)

		w := do(t, s, http.MethodPost, "/api/users", "", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, agg.registered, 1)
		assert.Len(t, agg.registered[0], 36)
	})

	t.Run("malformed body", func(t *testing.T) {
		s, _ := setupServer(t, &fakeAggregator{})

		w := do(t, s, http.MethodPost, "/api/users", `{"userId":`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleDeleteUser(t *testing.T) {
	agg := &fakeAggregator{}
	s, store := setupServer(t, agg)
	require.NoError(t, store.Put(context.Background(), "alice", "a-secret"))

	w := do(t, s, http.MethodDelete, "/api/users/alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice"}, agg.deleted)

	secret, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, secret)
}

func TestHandleCreateConnection(t *testing.T) {
	agg := &fakeAggregator{}
	s, store := setupServer(t, agg)
	require.NoError(t, store.Put(context.Background(), "alice", "cached"))

	w := do(t, s, http.MethodPost, "/api/users/alice/connections", `{"broker":"ALPACA"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, aggregator.Credentials{UserID: "alice", UserSecret: "cached"}, agg.lastCreds)
	assert.Equal(t, "http://localhost:3001/connections/complete", agg.lastLogin.CustomRedirect)
	assert.Equal(t, "ALPACA", agg.lastLogin.Broker)

	var redirect aggregator.LoginRedirect
	require.NoError(t, json.NewDecoder(w.Body).Decode(&redirect))
	assert.Equal(t, "https://portal/x", redirect.RedirectURI)
}

func TestCredentialResolutionOrder(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		headers  map[string]string
		expected string
	}{
		{
			name:     "header wins",
			path:     "/api/users/alice/accounts?userSecret=query",
			headers:  map[string]string{userSecretHeader: "header"},
			expected: "header",
		},
		{
			name:     "query before store",
			path:     "/api/users/alice/accounts?userSecret=query",
			expected: "query",
		},
		{
			name:     "store fallback",
			path:     "/api/users/alice/accounts",
			expected: "stored",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &fakeAggregator{}
			s, store := setupServer(t, agg)
			require.NoError(t, store.Put(context.Background(), "alice", "stored"))

			w := do(t, s, http.MethodGet, tt.path, "", tt.headers)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.expected, agg.lastCreds.UserSecret)
			assert.JSONEq(t, `[{"id":"acc-1"}]`, w.Body.String())
		})
	}
}

func TestMissingSecretIsBadRequest(t *testing.T) {
	s, _ := setupServer(t, &fakeAggregator{})

	w := do(t, s, http.MethodGet, "/api/users/nobody/accounts", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	payload := decodeError(t, w)
	assert.Equal(t, "userSecret is required", payload.Message)
	assert.Equal(t, "/api/users/nobody/accounts", payload.URL)
}

func TestUpstreamErrorPreserved(t *testing.T) {
	agg := &fakeAggregator{upstreamFn: func() error {
		return &aggregator.UpstreamError{
			Message: "Invalid userSecret",
			Code:    "1083",
			Status:  http.StatusForbidden,
			URL:     "https://api.example/api/v1/accounts",
			Method:  http.MethodGet,
		}
	}}
	s, _ := setupServer(t, agg)

	w := do(t, s, http.MethodGet, "/api/users/alice/accounts", "", map[string]string{userSecretHeader: "wrong"})
	require.Equal(t, http.StatusForbidden, w.Code)

	payload := decodeError(t, w)
	assert.Equal(t, "1083", payload.Code)
	assert.Equal(t, "Invalid userSecret", payload.Message)
	assert.Equal(t, "https://api.example/api/v1/accounts", payload.URL)
}

func TestHandleGetHoldings(t *testing.T) {
	agg := &fakeAggregator{holdings: json.RawMessage(`{"positions":[]}`)}
	s, _ := setupServer(t, agg)

	w := do(t, s, http.MethodGet, "/api/users/alice/accounts/acc-9/holdings", "", map[string]string{userSecretHeader: "s"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acc-9", agg.lastAcct)
	assert.JSONEq(t, `{"positions":[]}`, w.Body.String())
}

func TestNotConfigured(t *testing.T) {
	agg := &fakeAggregator{listErr: aggregator.ErrMissingCredentials}
	s, _ := setupServer(t, agg)

	w := do(t, s, http.MethodGet, "/api/users", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NOT_CONFIGURED", decodeError(t, w).Code)
}
