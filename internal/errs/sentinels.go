// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an invalid or missing credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary credential lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)

// Input errors: rejected before any side effect.
var (
	// ErrInvalidRequest indicates a malformed or incomplete request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidAddressInput indicates a storage address could not be derived or is unsafe.
	ErrInvalidAddressInput = errors.New("invalid address input")

	// ErrInvalidDigestFormat indicates the declared digest is not 64 hex characters.
	ErrInvalidDigestFormat = errors.New("invalid digest format")
)

// Integrity errors: partial bytes are always cleaned up.
var (
	// ErrIntegrityMismatch indicates the computed digest differs from the declared one.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrSizeMismatch indicates the stored byte count differs from the declared size.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Storage errors.
var (
	// ErrAddressCollision indicates the derived address is already taken.
	ErrAddressCollision = errors.New("address collision")

	// ErrArtifactNotFound indicates the backing bytes of a recorded artifact are missing.
	ErrArtifactNotFound = errors.New("artifact bytes not found")
)

// Authorization and grant errors.
var (
	// ErrAccessDenied indicates the caller may not access the artifact.
	ErrAccessDenied = errors.New("access denied")

	// ErrGrantNotFound indicates no grant exists for the artifact.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrGrantExpired indicates the grant expiry has passed.
	ErrGrantExpired = errors.New("grant expired")

	// ErrGrantAlreadyConsumed indicates the grant was already redeemed.
	ErrGrantAlreadyConsumed = errors.New("grant already consumed")

	// ErrTokenMismatch indicates the presented token matches no grant of the artifact.
	ErrTokenMismatch = errors.New("token mismatch")
)
