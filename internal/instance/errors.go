package instance

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotAlive     = errors.New("instance: account unavailable")
	ErrNoChannel    = errors.New("instance: no available channel")
	ErrNotStarted   = errors.New("instance: not started")
	ErrDisposed     = errors.New("instance: disposed")
	ErrDailyLimit   = errors.New("instance: daily draw limit reached")
	ErrNoTemplate   = errors.New("instance: unknown request template")
	ErrNoCommand    = errors.New("instance: application command not found")
	ErrNoModal      = errors.New("instance: modal did not open")
	ErrUnsupported  = errors.New("instance: unsupported action")
	ErrMissingInput = errors.New("instance: missing job input")
)

// HTTPError is a non-2xx answer from the vendor API.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.Path, e.Status, body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// NoRetry marks an error as permanent so the retry loop gives up at once.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

func retryable(err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	return StatusOf(err) == http.StatusTooManyRequests
}
