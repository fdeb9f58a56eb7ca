package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/server"
)

// BackendClient calls the proxy backend's /api routes
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewBackendClient creates a client for the backend at baseURL
func NewBackendClient(baseURL string, log zerolog.Logger) *BackendClient {
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log.With().Str("client", "backend").Logger(),
	}
}

// ListUsers returns every registered user
func (c *BackendClient) ListUsers(ctx context.Context) ([]server.UserSummary, error) {
	var out []server.UserSummary
	if err := c.doJSON(ctx, http.MethodGet, "/api/users", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterUser registers userID; an empty id lets the backend generate one
func (c *BackendClient) RegisterUser(ctx context.Context, userID string) (*aggregator.RegisteredUser, error) {
	var out aggregator.RegisteredUser
	body := map[string]string{}
	if userID != "" {
		body["userId"] = userID
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/users", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteUser removes a user
func (c *BackendClient) DeleteUser(ctx context.Context, userID string) (*aggregator.DeletedUser, error) {
	var out aggregator.DeletedUser
	if err := c.doJSON(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(userID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConnection asks for a connection portal link
func (c *BackendClient) CreateConnection(ctx context.Context, userID, secret, broker string) (*aggregator.LoginRedirect, error) {
	var out aggregator.LoginRedirect
	body := map[string]string{}
	if broker != "" {
		body["broker"] = broker
	}
	path := "/api/users/" + url.PathEscape(userID) + "/connections"
	if err := c.doJSON(ctx, http.MethodPost, path, secret, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAccounts returns the raw accounts document
func (c *BackendClient) ListAccounts(ctx context.Context, userID, secret string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/accounts", secret, nil)
}

// GetHoldings returns the raw holdings document
func (c *BackendClient) GetHoldings(ctx context.Context, userID, secret, accountID string) ([]byte, error) {
	path := "/api/users/" + url.PathEscape(userID) + "/accounts/" + url.PathEscape(accountID) + "/holdings"
	return c.do(ctx, http.MethodGet, path, secret, nil)
}

func (c *BackendClient) doJSON(ctx context.Context, method, path, secret string, body, out any) error {
	raw, err := c.do(ctx, method, path, secret, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse backend response: %w", err)
	}
	return nil
}

// do sends a request and returns the body of a 2xx response. Error payloads
// from the backend come back as *aggregator.UpstreamError.
func (c *BackendClient) do(ctx context.Context, method, path, secret string, body any) ([]byte, error) {
	requestURL := c.baseURL + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("X-User-Secret", secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &aggregator.UpstreamError{}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		if apiErr.URL == "" {
			apiErr.URL = requestURL
		}
		if apiErr.Method == "" {
			apiErr.Method = method
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Str("message", apiErr.Message).Msg("Backend returned error")
		return nil, apiErr
	}

	return raw, nil
}
