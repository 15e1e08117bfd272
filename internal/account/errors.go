package account

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
)

// APIError is a terminal provider failure for one operation.
// It is returned once retries are exhausted or the failure is not retryable.
type APIError struct {
	Service   string
	Operation string
	Attempts  int
	Cause     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Service, e.Operation, e.Attempts, e.Cause)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// TransientError marks an error as retryable. Substitute clients return it
// to simulate throttling without depending on SDK error shapes.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

var (
	throttles  = retry.IsErrorThrottles(retry.DefaultThrottles)
	retryables = retry.IsErrorRetryables(retry.DefaultRetryables)
)

// IsTransient reports whether err is worth retrying: throttling, timeouts,
// connection resets and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if throttles.IsErrorThrottle(err).Bool() {
		return true
	}
	return retryables.IsErrorRetryable(err).Bool()
}

// ErrorCode returns the provider error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// HasErrorCode reports whether err carries one of the given provider codes.
func HasErrorCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
