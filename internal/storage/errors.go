package storage

import "errors"

// Sentinel errors the HTTP layer maps to the taxonomy in the error-handling
// design: Database -> 500, Unauthorized -> 401, InvalidRequest -> 400,
// Internal -> 500, NotFound -> 404 (reserved).
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrUnauthorized   = errors.New("storage: unauthorized")
	ErrInvalidRequest = errors.New("storage: invalid request")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err wraps ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsInvalidRequest reports whether err wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }
