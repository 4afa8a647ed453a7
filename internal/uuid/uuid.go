// Package uuid issues the random ids used across the portal: mutation ids
// (which double as idempotency keys on the wire) and trash record ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh random id in canonical dashed form.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a well-formed random id in dashed form.
// Ids from other generator schemes are rejected even when syntactically
// plausible, as are the alternate encodings Parse tolerates.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}

// Validate is IsValid with the rejected input in the error.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("not a valid id: %q", s)
	}
	return nil
}
