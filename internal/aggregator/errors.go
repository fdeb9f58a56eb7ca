package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/aristath/brokerconsole/internal/normalize"
)

// UpstreamError is a failed aggregator call with the upstream status and
// message preserved. It is surfaced to callers as-is and never retried.
type UpstreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status"`
	URL     string `json:"url"`
	Method  string `json:"method"`
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator %s %s returned %d (code %s): %s", e.Method, e.URL, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator %s %s returned %d: %s", e.Method, e.URL, e.Status, e.Message)
}

// newUpstreamError builds an UpstreamError from a non-2xx response body
func newUpstreamError(method string, u *url.URL, status int, body []byte) *UpstreamError {
	e := &UpstreamError{
		Status: status,
		URL:    redactURL(u),
		Method: method,
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err == nil {
		e.Message = normalize.FirstString(doc, "detail", "message", "error.message", "error_description", "error")
		e.Code = codeString(doc)
	}
	if e.Message == "" {
		e.Message = truncate(string(bytes.TrimSpace(body)), 500)
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("upstream returned status %d", status)
	}
	return e
}

// codeString reads a string or numeric "code" field
func codeString(doc any) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	switch v := m["code"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

var redactedParams = []string{"userSecret", "timestamp"}

// redactURL drops secrets from a request URL before it is logged or returned
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	q := clone.Query()
	for _, key := range redactedParams {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
