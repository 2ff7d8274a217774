// Package apperrors defines the stable error kinds returned by the
// governance layer. Clients branch on the kind, never on raw database
// error strings: RateLimited and Backpressure are retryable, Unauthorized
// and Forbidden are not.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidRole   = errors.New("invalid role")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrBackpressure  = errors.New("connection pool saturated")
	ErrForbidden     = errors.New("forbidden")
	ErrAuditDegraded = errors.New("audit logging degraded; writes suspended")
)

// Kind is the machine-readable rejection category carried by every
// governance error.
type Kind string

const (
	KindUnauthorized  Kind = "unauthorized"
	KindRateLimited   Kind = "rate_limited"
	KindBackpressure  Kind = "backpressure"
	KindForbidden     Kind = "forbidden"
	KindAuditDegraded Kind = "audit_degraded"
	KindInternal      Kind = "internal"
)

// Error wraps a cause with a stable Kind. The cause is preserved for
// logging but the Kind is what crosses the API boundary.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a governance error of the given kind wrapping cause.
// Cause may be nil.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind from err, following the wrap chain. Sentinel
// errors map to their kinds so errors.Is and KindOf stay consistent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBackpressure):
		return KindBackpressure
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrAuditDegraded):
		return KindAuditDegraded
	}
	return KindInternal
}

// Is lets a typed *Error match its sentinel, so callers can use
// errors.Is(err, apperrors.ErrRateLimited) regardless of which form the
// layer returned.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrBackpressure:
		return e.Kind == KindBackpressure
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrAuditDegraded:
		return e.Kind == KindAuditDegraded
	}
	return false
}
