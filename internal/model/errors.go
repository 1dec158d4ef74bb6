package model

// Symbolic error codes. The HTTP error envelope {"error": message, "code": status}
// carries the numeric HTTP status in "code", not one of these strings.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal"
)
