package errs

import (
	"context"
	"errors"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

// Error kinds.
const (
	KindNone          Kind = "none"
	KindInput         Kind = "input"
	KindIntegrity     Kind = "integrity"
	KindAuthorization Kind = "authorization"
	KindGrant         Kind = "grant"
	KindConflict      Kind = "conflict"
	KindConsistency   Kind = "consistency"
	KindCanceled      Kind = "canceled"
	KindInternal      Kind = "internal"
)

// Classify reports the kind of err. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidAddressInput),
		errors.Is(err, ErrInvalidDigestFormat):
		return KindInput
	case errors.Is(err, ErrIntegrityMismatch), errors.Is(err, ErrSizeMismatch):
		return KindIntegrity
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotFound):
		return KindAuthorization
	case errors.Is(err, ErrGrantNotFound),
		errors.Is(err, ErrGrantExpired),
		errors.Is(err, ErrGrantAlreadyConsumed),
		errors.Is(err, ErrTokenMismatch):
		return KindGrant
	case errors.Is(err, ErrAddressCollision), errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrArtifactNotFound):
		return KindConsistency
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
