package rpcclient

import (
	"context"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Package errors.
var (
	// ErrClosed is returned when calling through a closed connection.
	ErrClosed = errors.New("connection is closed")

	// ErrDisconnected is returned when the underlying transport is down.
	ErrDisconnected = errors.New("connection is disconnected")

	// ErrUnsupportedScheme is returned for endpoints that are not http(s) or ws(s).
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

	// ErrBlockNotFound is returned when the node has no block for a height or hash.
	ErrBlockNotFound = errors.New("block not found")
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err is an error returned by the node itself.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// IsTransportError reports whether err indicates a problem with the endpoint
// rather than with the request. Node-level RPC errors and caller
// cancellation are not transport errors.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if IsRPCError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrBlockNotFound) {
		return false
	}
	return true
}
