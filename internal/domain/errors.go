// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity already exists under the same key.
var ErrConflict = errors.New("conflict: resource already exists")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")
