package conn

import (
	"errors"
	"fmt"
	"net/http"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrMissingBody      = errors.New("conn: request requires a body")
	ErrMissingURL       = errors.New("conn: request URL is empty")
	ErrAlreadyStarted   = errors.New("conn: manager already started")
	ErrIdleTimeout      = errors.New("conn: idle timeout")
	ErrTurnTimeout      = errors.New("conn: turn timeout")
	ErrCancelled        = errors.New("conn: cancelled")
	ErrHandshake        = errors.New("conn: unexpected response content type")
	ErrRetriesExhausted = errors.New("conn: retries exhausted")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("conn: upstream status %d (%s): %s", e.Code, http.StatusText(e.Code), e.Body)
	}
	return fmt.Sprintf("conn: upstream status %d (%s)", e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is a server-side failure. Client
// errors are terminal.
func (e *StatusError) Retryable() bool { return e.Code >= 500 }
