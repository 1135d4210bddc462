package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrInvalidService is returned when the service type is empty or
	// malformed.
	ErrInvalidService = errors.New("discovery: invalid service type")

	// ErrServiceNotFound is returned when a requested service instance is
	// not found before the lookup deadline.
	ErrServiceNotFound = errors.New("discovery: service not found")
)
