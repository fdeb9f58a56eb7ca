package supervisor

import (
	"errors"
	"fmt"
)

// BackendHealthTimeoutError is returned when the backend never answered its
// health probe within the allowed attempts
type BackendHealthTimeoutError struct {
	URL      string
	Attempts int
	LastErr  error
}

func (e *BackendHealthTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("backend not healthy at %s after %d attempts: %v", e.URL, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("backend not healthy at %s after %d attempts", e.URL, e.Attempts)
}

func (e *BackendHealthTimeoutError) Unwrap() error {
	return e.LastErr
}

var errShuttingDown = errors.New("supervisor is shutting down")
