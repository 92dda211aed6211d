package gateway

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a provider's circuit is open and the call
// was short-circuited without contacting the provider. It is treated as
// transient by classification so the owning run fails gracefully rather
// than hanging.
var ErrCircuitOpen = errors.New("gateway: circuit open")

// Error is a classified provider failure. Transient errors (timeouts, rate
// limits, 5xx-equivalents) are retried per policy; permanent errors
// (malformed request, auth failure, other 4xx-equivalents) fail immediately.
type Error struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(provider string, err error) *Error {
	return &Error{Provider: provider, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(provider string, err error) *Error {
	return &Error{Provider: provider, Transient: false, Err: err}
}

// IsTransient classifies an error for retry purposes. Unclassified errors
// (deadline expiry, connection resets, open circuits) default to transient;
// only errors explicitly marked permanent skip the retry policy.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && !pe.Transient
}
