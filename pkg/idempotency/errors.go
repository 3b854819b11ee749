package idempotency

import "errors"

var (
	// ErrConflict is returned when a key is reused for a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")
	// ErrInProgress is returned while the first request for a key is running.
	ErrInProgress = errors.New("idempotent request already in progress")
	// ErrInvalidKey indicates a key that exceeds MaxKeyLength.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// Wire codes reported to clients.
const (
	CodeConflict   = "IDEMPOTENCY_CONFLICT"
	CodeInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeInvalidKey = "IDEMPOTENCY_KEY_INVALID"
)

// Code maps a guard error to its wire code, or "" for other errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInProgress):
		return CodeInProgress
	case errors.Is(err, ErrInvalidKey):
		return CodeInvalidKey
	default:
		return ""
	}
}
