// Package aggregator is a client for the brokerage-data aggregation API.
package aggregator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrMissingCredentials is returned when the client id or consumer key is unset
var ErrMissingCredentials = errors.New("aggregator credentials are not configured")

// Config holds client settings
type Config struct {
	BaseURL           string
	ClientID          string
	ConsumerKey       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls the aggregator API. Every request is signed with the consumer
// key and passes through a shared token bucket.
type Client struct {
	baseURL     string
	clientID    string
	consumerKey string
	httpClient  *http.Client
	limiter     *rate.Limiter
	metrics     *Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// NewClient creates a new aggregator client. metrics may be nil.
func NewClient(cfg Config, metrics *Metrics, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		consumerKey: cfg.ConsumerKey,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		metrics:     metrics,
		log:         log.With().Str("client", "aggregator").Logger(),
		now:         time.Now,
	}
}

// request describes one API call
type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      any
}

// do signs and sends req, decoding a 2xx JSON response into out
func (c *Client) do(ctx context.Context, req request, out any) error {
	if c.clientID == "" || c.consumerKey == "" {
		return ErrMissingCredentials
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u, err := url.Parse(c.baseURL + req.path)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	q := url.Values{}
	for k, vs := range req.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("clientId", c.clientID)
	q.Set("timestamp", strconv.FormatInt(c.now().Unix(), 10))
	u.RawQuery = q.Encode()

	var payload []byte
	if req.body != nil {
		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	signature, err := Sign(c.consumerKey, u.Path, u.RawQuery, payload)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Signature", signature)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.observe(req.operation, 0, time.Since(start))
		return fmt.Errorf("%s request failed: %w", req.operation, err)
	}
	defer resp.Body.Close()
	c.metrics.observe(req.operation, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstream := newUpstreamError(req.method, u, resp.StatusCode, body)
		c.log.Error().
			Str("operation", req.operation).
			Int("status_code", resp.StatusCode).
			Str("response_body", truncate(string(body), 500)).
			Str("url", upstream.URL).
			Msg("Aggregator returned non-2xx status")
		return upstream
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.log.Error().
			Err(err).
			Str("operation", req.operation).
			Str("response_body", truncate(string(body), 500)).
			Msg("Failed to parse aggregator response")
		return fmt.Errorf("failed to parse %s response: %w", req.operation, err)
	}
	return nil
}

// Sign computes the request signature: base64 HMAC-SHA256, keyed by the
// consumer key, over the compact JSON object {"content","path","query"}
// with object keys sorted at every level. content is the request body or
// null.
func Sign(consumerKey, path, rawQuery string, content []byte) (string, error) {
	var contentValue any
	if len(bytes.TrimSpace(content)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&contentValue); err != nil {
			return "", fmt.Errorf("request body is not JSON: %w", err)
		}
	}

	// encoding/json writes map keys sorted; content was decoded into maps so
	// its nested keys are sorted too
	var message bytes.Buffer
	enc := json.NewEncoder(&message)
	enc.SetEscapeHTML(false)
	err := enc.Encode(map[string]any{
		"content": contentValue,
		"path":    path,
		"query":   rawQuery,
	})
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(consumerKey))
	mac.Write(bytes.TrimSuffix(message.Bytes(), []byte("\n")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
