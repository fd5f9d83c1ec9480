package relay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrExpired          = errors.New("session expired")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidWriteKey  = fmt.Errorf("invalid write key: %w", ErrForbidden)
	ErrInvalidReadKey   = fmt.Errorf("invalid read key: %w", ErrForbidden)
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrCapacityExceeded = errors.New("message limit reached")
	ErrMalformedBody    = errors.New("invalid json body")
	ErrInitFailure      = errors.New("failed to initialize session")
	ErrStoreUnavailable = errors.New("session store unavailable")

	errActorStopped = errors.New("session actor stopped")
)

// Kind names the failure class of err for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrMalformedBody):
		return "malformed_body"
	case errors.Is(err, ErrInitFailure):
		return "init_failure"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
