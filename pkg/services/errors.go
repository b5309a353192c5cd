// Package services implements the persistence-facing service layer over the
// ent client: repository registration with hook lifecycle, and the durable
// agent execution records.
package services

import "errors"

// Service-level sentinel errors, mapped to HTTP statuses by the API layer.
var (
	// ErrAlreadyRegistered indicates a repository registration conflict.
	ErrAlreadyRegistered = errors.New("repository already registered")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
