// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across auth/client/controller layers.
var (
	// ErrNoAccount indicates there is no signed-in principal; no acquisition is attempted.
	ErrNoAccount = errors.New("no account")

	// ErrInteractionRequired indicates silent acquisition cannot proceed without user
	// interaction (consent needed, session expired, login required).
	ErrInteractionRequired = errors.New("interaction required")

	// ErrUserCancelled indicates the user aborted an interactive auth flow.
	ErrUserCancelled = errors.New("user cancelled")

	// ErrUnauthorized indicates the remote API rejected the bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the requested entity does not exist. For resource-optional
	// calls (profile photo) callers treat it as a valid empty result.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates the remote API asked us to back off.
	ErrRateLimited = errors.New("rate limited")

	// ErrServer indicates a remote 5xx response.
	ErrServer = errors.New("server error")

	// ErrNetwork indicates a transport-level failure (timeout, refused, DNS).
	ErrNetwork = errors.New("network error")

	// ErrValidation indicates input rejected before any network call.
	ErrValidation = errors.New("validation")
)
