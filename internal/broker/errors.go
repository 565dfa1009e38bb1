package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnknownOrder  = errors.New("unknown order")
	ErrNotCancelable = errors.New("order can no longer be cancelled")
	ErrNoQuote       = errors.New("no quote available")
)

// RejectError is a definitive refusal. Retrying the same request cannot
// succeed.
type RejectError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker rejected (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker rejected (%s): %s", e.Code, e.Message)
}

// TransientError wraps a failure that may succeed on retry.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient (%d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: timeouts, network
// errors, rate limiting and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// AsReject extracts a definitive rejection from err.
func AsReject(err error) (*RejectError, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
