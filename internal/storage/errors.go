// Package storage defines the sentinel errors shared by job store
// implementations.
package storage

import "errors"

// ErrNotFound is returned when a job or URL record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a job whose ID is taken.
var ErrAlreadyExists = errors.New("already exists")
