package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any network call.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientDepth means the ladder cannot fill the requested quantity.
	ErrInsufficientDepth = errors.New("insufficient depth")
	// ErrRateLimited means admission control denied the action this tick.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuth is fatal: the session is no longer authorised.
	ErrAuth = errors.New("venue authorization failed")
	// ErrCaseEnded is returned once the venue reports the case is not active.
	ErrCaseEnded = errors.New("case is not active")
)

// VenueRejectedError is a remote submission failure.
type VenueRejectedError struct {
	Code    int
	Message string
}

func (e *VenueRejectedError) Error() string {
	return fmt.Sprintf("venue rejected request (%d): %s", e.Code, e.Message)
}

// IsVenueRejected reports whether err carries a venue rejection.
func IsVenueRejected(err error) bool {
	var v *VenueRejectedError
	return errors.As(err, &v)
}

// Fatal reports whether err must stop the trading loop.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuth)
}
