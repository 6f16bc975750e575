package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrBadRequest       = errors.New("bad request")
	ErrThrottled        = errors.New("throttled")
	ErrNoEligibleKey    = errors.New("no keys available")
	ErrPermanentFailure = errors.New("key permanently failed")
	ErrAdapter          = errors.New("protocol adapter error")
)

// ThrottledError reports an upstream 429. It is recoverable: the router moves
// on to the next key or model. ResetTime, when non-zero, is the upstream's own
// estimate of when the limit clears.
type ThrottledError struct {
	Provider  string
	ResetTime time.Time
	Message   string
}

// Error returns a human-readable description including the reset time if known.
func (e *ThrottledError) Error() string {
	if !e.ResetTime.IsZero() {
		return fmt.Sprintf("%s: rate limited until %s", e.Provider, e.ResetTime.UTC().Format(time.RFC3339))
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
	}
	return e.Provider + ": rate limited"
}

// Unwrap makes errors.Is(err, ErrThrottled) work across wrapping.
func (e *ThrottledError) Unwrap() error { return ErrThrottled }
