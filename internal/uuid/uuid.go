// Package uuid wraps github.com/google/uuid for identifiers used across the service.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Short returns the first eight hex characters of a new UUID, suitable for
// correlation ids in logs.
func Short() string {
	return uuid.NewString()[:8]
}
