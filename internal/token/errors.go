// Package token implements the access/refresh token lifecycle:
// issuance, validation, refresh with an inactivity rule, and
// revocation through a persistent blacklist.
package token

import "errors"

// ErrInvalidToken is returned for malformed, expired or
// signature-mismatched tokens. Always recoverable: handlers map it to
// HTTP 401, never a process failure.
var ErrInvalidToken = errors.New("invalid token")

// ErrBlacklisted is returned when a token has been revoked by logout.
// The blacklist check runs before cryptographic validation, so a
// revoked token is rejected even while its signature and expiry are
// still valid.
var ErrBlacklisted = errors.New("token is blacklisted due to logout")

// ErrInactivityExpired is returned when a refresh token is
// cryptographically valid but the owning user has been idle past the
// inactivity limit. Distinct from ErrInvalidToken: this is a business
// rule layered on top of the cryptographic expiry.
var ErrInactivityExpired = errors.New("token has expired due to inactivity")

// ErrMalformedAuthHeader is returned when no bearer token could be
// extracted from the Authorization header.
var ErrMalformedAuthHeader = errors.New("invalid authorization header format")
