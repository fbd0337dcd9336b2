package historic

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHistoricArg is returned when a supplied historic argument
	// cannot be read as a block number or block hash.
	ErrInvalidHistoricArg = errors.New("invalid historic argument")

	// ErrNoResolver is returned when a block hash must be resolved but the
	// view was bound without a resolver.
	ErrNoResolver = errors.New("no block number resolver")
)

// UnsupportedMethodError is returned by every call to a method that cannot be
// pinned to a block.
type UnsupportedMethodError struct {
	Method string
	Reason string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("%s is not supported in a historic view: %s", e.Method, e.Reason)
}

// BoundError is returned when a call asks for a block after the snapshot.
type BoundError struct {
	Method    string
	Requested uint64
	Bound     uint64
	// Hash is set when the request named the block by hash.
	Hash string
}

func (e *BoundError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("%s: block %s (#%d) is after snapshot block #%d", e.Method, e.Hash, e.Requested, e.Bound)
	}
	return fmt.Sprintf("%s: block #%d is after snapshot block #%d", e.Method, e.Requested, e.Bound)
}

// IsUnsupported reports whether err is an UnsupportedMethodError.
func IsUnsupported(err error) bool {
	var target *UnsupportedMethodError
	return errors.As(err, &target)
}

// IsBound reports whether err is a BoundError.
func IsBound(err error) bool {
	var target *BoundError
	return errors.As(err, &target)
}
