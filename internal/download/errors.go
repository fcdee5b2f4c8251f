package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrInvalidRequest      = errors.New("download request needs an id and a url")
	ErrTimeout             = errors.New("download timed out")
	ErrTransient           = errors.New("transient network error")
	ErrRemoteNotFound      = errors.New("remote resource not found")
	ErrStrategyUnsupported = errors.New("transfer strategy not supported")
	ErrAllStrategiesFailed = errors.New("all transfer strategies failed")
)

// StatusError is a non-2xx answer from the origin
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// isTransient decides whether the retry driver should try the same strategy again
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrStrategyUnsupported) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone)
}

// timeoutError carries the configured limit in its message, e.g. "download timed out after 90s"
func timeoutError(limit time.Duration) error {
	if limit >= time.Second && limit%time.Second == 0 {
		return fmt.Errorf("%w after %ds", ErrTimeout, int(limit/time.Second))
	}
	return fmt.Errorf("%w after %s", ErrTimeout, limit)
}
