package twitchapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized is returned when the API rejects the current bearer token.
// The caller is expected to create a new token and retry on its next cycle.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// AuthError means the client credentials themselves were rejected (malformed
// or forbidden). The process cannot continue without operator action.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return "twitch auth: " + e.Message
	}
	return fmt.Sprintf("twitch auth failed (%d): %s", e.Status, e.Message)
}

// BadRequestError is a 400 from Helix, which in practice means a bad client id.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return "twitch bad request: " + e.Message
}

// RateLimitedError carries the wall-clock time at which the rate-limit bucket refills.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("twitch rate limited until %s", e.Reset.Format(time.RFC3339))
}

// ServerError is any other non-success status.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("twitch server error (%d): %s", e.Status, e.Body)
}

// TransportError wraps a connection-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsFatal reports whether err must terminate the control loop.
func IsFatal(err error) bool {
	var ae *AuthError
	var be *BadRequestError
	return errors.As(err, &ae) || errors.As(err, &be)
}
