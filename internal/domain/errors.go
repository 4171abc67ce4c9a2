package domain

import "errors"

// Auth failures terminate the connection after an error event.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrValidation        = errors.New("validation failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrForbidden         = errors.New("forbidden")
)

// IsAuthFailure reports whether err belongs to the auth taxonomy.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrUserNotFound)
}

// IsClientError reports whether err may be shown verbatim to the caller.
func IsClientError(err error) bool {
	return IsAuthFailure(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrForbidden)
}
