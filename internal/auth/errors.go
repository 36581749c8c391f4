package auth

import "errors"

var (
	ErrMissingAuth      = errors.New("missing Authorization header")
	ErrBadKeyFormat     = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("invalid API key")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingJWTSecret = errors.New("JWT secret is not configured")
)
