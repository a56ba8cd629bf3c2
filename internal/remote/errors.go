package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRejected marks a command the backend answered with success=false.
var ErrRejected = errors.New("command rejected")

// NetworkError is any failed call to the backend: transport failure,
// timeout, non-2xx status or an undecodable answer.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call ran out of time.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

// Unreachable reports whether the backend could not be reached at all, as
// opposed to answering with an error.
func (e *NetworkError) Unreachable() bool {
	return e.StatusCode == 0 && !errors.Is(e.Err, ErrRejected)
}

// IsNetworkError reports whether err is or wraps a NetworkError.
func IsNetworkError(err error) bool {
	var nerr *NetworkError
	return errors.As(err, &nerr)
}
