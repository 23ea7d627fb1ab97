package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a failure that is safe to retry (rate limit, 5xx,
// network timeout, deadline exceeded).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient (status %d): %v", e.StatusCode, e.Err)
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError marks a failure that retrying cannot fix (bad request,
// invalid credentials, unknown configuration).
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent (status %d): %v", e.StatusCode, e.Err)
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsPermanent reports whether err carries an explicit PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"overloaded",
}

// IsTransient reports whether err should be retried. An explicit
// PermanentError anywhere in the chain always wins.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status indicates a retryable
// server-side or throttling condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 409, 425, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// ClassifyHTTP wraps err as transient or permanent based on statusCode.
// A zero status leaves err untouched.
func ClassifyHTTP(err error, statusCode int) error {
	if err == nil || statusCode == 0 {
		return err
	}
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	if statusCode >= 400 {
		return NewPermanentError(err, statusCode)
	}
	return err
}

// Classify returns "transient" or "permanent" for logs and diagnostics.
func Classify(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
