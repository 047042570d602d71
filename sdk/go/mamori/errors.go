// Package mamori provides a Go client for the mamori guardrail API.
package mamori

import (
	"errors"
	"fmt"
)

// Error represents an error from the mamori API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mamori: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsInvalid returns true if the server rejected the request as malformed or
// conflicting with stored state, for example a second response for one inference.
func IsInvalid(err error) bool { return statusIs(err, 400) }
