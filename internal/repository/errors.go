// Package repository implements the persistence layer over MySQL.
// Sentinel errors defined here let handlers distinguish failure
// scenarios without inspecting driver errors. For example,
// ErrEmailExists signals a duplicate registration attempt and maps
// to a conflict response, while ErrNotFound maps to HTTP 404.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row. Handlers
// should translate this into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when an insert would violate the unique
// email constraint. Handlers should translate this into a validation
// failure rather than a server error.
var ErrEmailExists = errors.New("email already exists")
