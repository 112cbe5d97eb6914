package domain

import "errors"

// Lookup errors.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrSecondaryNotFound = errors.New("secondary identity not found")
	ErrInvalidRole       = errors.New("invalid role")
)

// External service errors.
var (
	ErrExternalUnavailable = errors.New("external identity service unavailable")
	ErrTokenRefreshFailed  = errors.New("token refresh failed")
	ErrCredentialRejected  = errors.New("external credential rejected")
	ErrNotMember           = errors.New("user is not a guild member")
)

// Authentication errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrUserInactive    = errors.New("user is not active")
)

// Rate limiting errors.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
)
