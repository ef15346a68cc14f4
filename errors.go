package storysync

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure categories every networked operation can
// surface. Callers classify with errors.Is.
var (
	// ErrSessionExpired means the bearer token is absent, undecodable, or past
	// its expiry window. The session is cleared before this is returned.
	ErrSessionExpired = errors.New("session expired")

	// ErrTimeout means a request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrNetwork covers transport-level failures (DNS, refused connection,
	// dropped socket).
	ErrNetwork = errors.New("network error")

	// ErrMalformedResponse means the server replied 2xx but the body was not
	// the JSON the endpoint promised.
	ErrMalformedResponse = errors.New("malformed server response")

	// ErrNoMoreQuestions means the question pool is exhausted for the
	// caller's exclusion list.
	ErrNoMoreQuestions = errors.New("no more questions")

	// ErrMutationInFlight means an optimistic mutation for the same entity has
	// not settled yet. No cache or network effect took place.
	ErrMutationInFlight = errors.New("mutation already in flight for this entity")
)

// ValidationError reports bad or missing local input. No I/O was attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ServerError is a non-2xx response carrying the server's own message.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (%d)", e.Status)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

// retryable reports whether a transport error is a transient failure that an
// idempotent request may retry.
func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return false
}

// UserMessage maps an error to a message safe to show in a UI: generic text
// for network, timeout and auth categories, the server's verbatim message for
// validation failures.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return "Session expired. Please log in again."
	case errors.Is(err, ErrTimeout):
		return "Request timed out. Please try again."
	case errors.Is(err, ErrNetwork):
		return "Network error. Please check your connection."
	case errors.Is(err, ErrMalformedResponse):
		return "Something went wrong. Please try again."
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	var se *ServerError
	if errors.As(err, &se) {
		if se.Status >= 500 || se.Message == "" {
			return "Something went wrong. Please try again."
		}
		return se.Message
	}
	return "An error occurred. Please try again."
}
