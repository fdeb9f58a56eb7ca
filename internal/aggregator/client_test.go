package aggregator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "TEST-CLIENT"
	testConsumerKey = "test-consumer-key"
)

// newTestClient points a client at handler and verifies every request's
// signature before handing it on.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *Metrics) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		assert.Equal(t, testClientID, r.URL.Query().Get("clientId"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("timestamp"))

		expected, err := Sign(testConsumerKey, r.URL.Path, r.URL.RawQuery, body)
		assert.NoError(t, err)
		assert.Equal(t, expected, r.Header.Get("Signature"), "signature mismatch")

		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	metrics := NewMetrics(prometheus.NewRegistry())
	client := NewClient(Config{
		BaseURL:           server.URL + "/api/v1",
		ClientID:          testClientID,
		ConsumerKey:       testConsumerKey,
		RequestsPerSecond: 100,
	}, metrics, zerolog.New(nil).Level(zerolog.Disabled))
	client.now = func() time.Time { return time.Unix(1700000000, 0) }
	return client, metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSign_Deterministic(t *testing.T) {
	a, err := Sign("key", "/api/v1/accounts", "clientId=X&timestamp=1", nil)
	require.NoError(t, err)
	b, err := Sign("key", "/api/v1/accounts", "clientId=X&timestamp=1", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Sign("other-key", "/api/v1/accounts", "clientId=X&timestamp=1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Sign("key", "/api/v1/accounts", "clientId=X&timestamp=1", []byte(`{"userId":"u"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestSign_SortsNestedContentKeys(t *testing.T) {
	body, err := json.Marshal(LoginOptions{
		Broker:         "X",
		CustomRedirect: "http://c",
		ConnectionType: "read",
	})
	require.NoError(t, err)
	require.Equal(t, `{"broker":"X","customRedirect":"http://c","connectionType":"read"}`, string(body))

	got, err := Sign("key", "/api/v1/snapTrade/login", "clientId=X&timestamp=1", body)
	require.NoError(t, err)

	message := `{"content":{"broker":"X","connectionType":"read","customRedirect":"http://c"},` +
		`"path":"/api/v1/snapTrade/login","query":"clientId=X&timestamp=1"}`
	mac := hmac.New(sha256.New, []byte("key"))
	mac.Write([]byte(message))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), got)

	nested, err := Sign("key", "/p", "", []byte(`{"b":{"z":1,"a":[{"y":2.50,"x":null}]},"a":"<&>"}`))
	require.NoError(t, err)
	mac = hmac.New(sha256.New, []byte("key"))
	mac.Write([]byte(`{"content":{"a":"<&>","b":{"a":[{"x":null,"y":2.50}],"z":1}},"path":"/p","query":""}`))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), nested)
}

func TestSign_RejectsInvalidContent(t *testing.T) {
	_, err := Sign("key", "/p", "", []byte("not json"))
	assert.Error(t, err)
}

func TestAPIStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"version": 151, "timestamp": "2024-01-01T00:00:00Z", "online": true})
	})

	status, err := client.APIStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, 151, status.Version)
}

func TestListUsers(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/snapTrade/listUsers", r.URL.Path)
		writeJSON(w, http.StatusOK, []string{"alice", "bob"})
	})

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("list_users", "200")))
}

func TestRegisterUser(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/snapTrade/registerUser", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["userId"])

		writeJSON(w, http.StatusOK, map[string]string{"userId": "alice", "userSecret": "s3cr3t"})
	})

	user, err := client.RegisterUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, &RegisteredUser{UserID: "alice", UserSecret: "s3cr3t"}, user)

	_, err = client.RegisterUser(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestDeleteUser(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/snapTrade/deleteUser", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("userId"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "userId": "alice"})
	})

	out, err := client.DeleteUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "deleted", out.Status)
}

func TestLogin(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/snapTrade/login", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("userId"))
		assert.Equal(t, "s3cr3t", r.URL.Query().Get("userSecret"))

		var opts LoginOptions
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, "http://localhost:3000/connections/complete", opts.CustomRedirect)

		writeJSON(w, http.StatusOK, map[string]string{"redirectURI": "https://portal/abc", "sessionId": "sess-1"})
	})

	out, err := client.Login(context.Background(),
		Credentials{UserID: "alice", UserSecret: "s3cr3t"},
		LoginOptions{CustomRedirect: "http://localhost:3000/connections/complete"},
	)
	require.NoError(t, err)
	assert.Equal(t, "https://portal/abc", out.RedirectURI)
	assert.Equal(t, "sess-1", out.SessionID)
}

func TestGetHoldings_PassesBodyThrough(t *testing.T) {
	payload := `{"account":{"id":"acc 1"},"positions":[{"symbol":{"symbol":{"symbol":"VTI"}},"units":3}]}`
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/acc 1/holdings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	})

	raw, err := client.GetHoldings(context.Background(), Credentials{UserID: "u", UserSecret: "s"}, "acc 1")
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(raw))

	_, err = client.GetHoldings(context.Background(), Credentials{UserID: "u", UserSecret: "s"}, "")
	assert.ErrorIs(t, err, ErrMissingAccountID)
}

func TestListAccounts_RequiresSecret(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})

	_, err := client.ListAccounts(context.Background(), Credentials{UserID: "u"})
	assert.ErrorIs(t, err, ErrMissingUserSecret)
}

func TestUpstreamError(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail":      "Unable to verify signature sent",
			"status_code": 401,
			"code":        1076,
		})
	})

	_, err := client.ListAccounts(context.Background(), Credentials{UserID: "alice", UserSecret: "topsecret"})

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusUnauthorized, upstream.Status)
	assert.Equal(t, "1076", upstream.Code)
	assert.Equal(t, "Unable to verify signature sent", upstream.Message)
	assert.Equal(t, http.MethodGet, upstream.Method)
	assert.Contains(t, upstream.URL, "/api/v1/accounts")
	assert.NotContains(t, upstream.URL, "topsecret")
	assert.Contains(t, upstream.Error(), "401")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("list_accounts", "401")))
}

func TestUpstreamError_NonJSONBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	})

	_, err := client.ListUsers(context.Background())

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
	assert.Equal(t, "upstream unavailable", upstream.Message)
	assert.Empty(t, upstream.Code)
}

func TestMissingCredentials(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil, zerolog.New(nil).Level(zerolog.Disabled))

	_, err := client.ListUsers(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestRateLimiter_RespectsContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListUsers(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
