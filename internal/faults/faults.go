// Package faults defines the sentinel errors used to classify failures
// across the API and worker services.
package faults

import "errors"

var (
	// ErrValidation marks malformed or out-of-range requests. These are
	// rejected synchronously before any job row is created.
	ErrValidation = errors.New("validation error")

	// ErrEncoder marks a failure in the external media encoder. Encoder
	// failures are terminal for the owning stage and are never retried.
	ErrEncoder = errors.New("encoder error")
)
