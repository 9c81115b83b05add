// Package domain defines the error taxonomy shared by the API and the worker.
// Callers classify failures with errors.Is against the sentinels below.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a referenced entity (customer, profile, user, batch) that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks a malformed payload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStorageUnavailable marks an object storage I/O failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDomainViolation marks a business-rule breach.
	ErrDomainViolation = errors.New("domain violation")
	// ErrUnauthorized marks a missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// NotFound names the missing entity type and id.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s with id %v was %w", entity, id, ErrNotFound)
}

// InvalidInput reports a malformed payload with a reason.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// StorageUnavailable wraps an object storage failure for a given operation and path.
func StorageUnavailable(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, op, path, err)
}
