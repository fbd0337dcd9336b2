package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAttempts is returned when maxAttempts is below one.
	ErrInvalidAttempts = errors.New("maxAttempts must be at least 1")

	// ErrNoPool is returned when an orchestrator is created without a pool.
	ErrNoPool = errors.New("no connection pool")

	// ErrHeightMismatch is returned when a node answers with a block at a
	// different height than requested.
	ErrHeightMismatch = errors.New("block height mismatch")
)

// RetryExhaustedError is returned when every attempt of a batch failed.
type RetryExhaustedError struct {
	Attempts int
	Heights  []uint64
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("fetch %d blocks failed after %d attempts: %v", len(e.Heights), e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}
