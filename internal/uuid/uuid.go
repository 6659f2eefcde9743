// Package uuid provides UUID v4 generation and validation utilities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// Parse parses a string into a UUID, requiring the canonical dashed v4 form.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a canonical UUID v4.
func IsValid(s string) bool {
	// uuid.Parse accepts several alternate encodings; restrict to the
	// 36-character dashed form used everywhere in the store and protocol.
	if len(s) != 36 {
		return false
	}
	_, err := Parse(s)
	return err == nil
}

// Validate returns an error if the string is not a canonical UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
