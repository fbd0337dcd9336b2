package hasher

import (
	"errors"
	"fmt"
)

// ErrUnknownHasher is returned when a name is not in the registry.
var ErrUnknownHasher = errors.New("unknown hasher")

// ResolutionError reports a chain-type hasher name that could not be resolved.
type ResolutionError struct {
	Name string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve hasher %q at %s: %v", e.Name, e.Path, e.Err)
}

// Unwrap returns the underlying lookup error.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}
