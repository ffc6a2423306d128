package errors

import "errors"

// Sentinel errors for common error conditions
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")
)

// Sentinel errors for the remote generation boundary. Transport adapters map
// raw SDK/HTTP failures onto this closed set so callers never inspect error
// text.
var (
	// ErrNoCredentials indicates that no API credentials are configured.
	// Fatal to the caller; never retried.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrRateLimited indicates a quota or rate-limit failure on the current
	// credential. Recoverable by rotating to the next credential.
	ErrRateLimited = errors.New("rate limited")

	// ErrCredentialsExhausted indicates every credential in the pool was
	// rate limited during a single call.
	ErrCredentialsExhausted = errors.New("all credentials exhausted")

	// ErrService indicates a non-recoverable remote failure (invalid
	// credential, network, malformed response).
	ErrService = errors.New("service error")
)
