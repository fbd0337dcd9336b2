// Package chainid checks that a connection serves the configured chain.
package chainid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyIdentity is returned when either side of the comparison is empty.
var ErrEmptyIdentity = errors.New("empty chain identity")

// MismatchError reports a connection attached to a different chain.
type MismatchError struct {
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("chain identity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Validate compares the configured chain identity with the one a connection
// reports. Hex identities compare case-insensitively, with or without 0x.
func Validate(expected, actual string) error {
	if strings.TrimSpace(expected) == "" || strings.TrimSpace(actual) == "" {
		return fmt.Errorf("%w: expected %q, got %q", ErrEmptyIdentity, expected, actual)
	}
	if normalize(expected) != normalize(actual) {
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

func normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
