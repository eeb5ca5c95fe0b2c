// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is in a state that forbids the operation
// (for example disposing a busy worker).
var ErrConflict = errors.New("conflict: resource is in use")

// ErrValidation wraps input errors that are rejected before any work starts.
var ErrValidation = errors.New("validation error")
