// Package rpcclient provides connections to chain node JSON-RPC endpoints.
//
// A Connection wraps one endpoint over HTTP or WebSocket, records the chain
// identity the endpoint reported when it was dialed, and tracks liveness.
// Chain offers typed queries on top of any Caller.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/Weypare/subql/pkg/chainid"
)

// Default configuration values.
const (
	// DefaultRequestTimeout is the default timeout for HTTP requests.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHandshakeTimeout is the default websocket handshake timeout.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Caller issues JSON-RPC calls.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// State is the liveness state of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Options configures a Connection.
type Options struct {
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration

	// OnStateChange is called on every liveness transition (optional).
	OnStateChange func(c *Connection, state State)
}

// WithDefaults applies default values for any unset fields.
func (o Options) WithDefaults() Options {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o
}

// Connection is an established link to one chain endpoint.
type Connection struct {
	url       string
	index     int
	opts      Options
	transport transport

	genesis string
	state   atomic.Int32
	closed  atomic.Bool
}

// Dial connects to the endpoint and reads the chain identity it reports.
func Dial(ctx context.Context, index int, endpoint string, opts Options) (*Connection, error) {
	opts = opts.WithDefaults()

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	c := &Connection{
		url:   endpoint,
		index: index,
		opts:  opts,
	}

	switch u.Scheme {
	case "http", "https":
		c.transport = newHTTPTransport(endpoint, opts.RequestTimeout)
	case "ws", "wss":
		c.transport = newWSTransport(endpoint, opts.HandshakeTimeout, func(error) {
			c.setState(StateDisconnected)
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if err := c.transport.connect(ctx); err != nil {
		return nil, err
	}

	genesis, err := NewChain(rawCaller{c.transport}).Genesis(ctx)
	if err != nil {
		c.transport.close()
		return nil, fmt.Errorf("read chain identity from %s: %w", endpoint, err)
	}
	c.genesis = genesis
	c.setState(StateConnected)

	return c, nil
}

// URL returns the endpoint URL.
func (c *Connection) URL() string {
	return c.url
}

// Index returns the endpoint's position in the configured endpoint list.
func (c *Connection) Index() int {
	return c.index
}

// Genesis returns the chain identity reported when the connection was dialed.
func (c *Connection) Genesis() string {
	return c.genesis
}

// State returns the current liveness state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Connected reports whether the connection is live.
func (c *Connection) Connected() bool {
	return !c.closed.Load() && c.State() == StateConnected
}

// Call issues a JSON-RPC call. Transport failures flip the connection to
// disconnected; any answer from the node flips it back.
func (c *Connection) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	result, err := c.transport.call(ctx, method, params)
	switch {
	case err == nil, IsRPCError(err):
		c.setState(StateConnected)
	case IsTransportError(err):
		c.setState(StateDisconnected)
	}
	return result, err
}

// Reconnect re-establishes the transport and checks that the endpoint still
// serves the chain it reported originally.
func (c *Connection) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.transport.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	genesis, err := NewChain(rawCaller{c.transport}).Genesis(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("read chain identity: %w", err)
	}
	if err := chainid.Validate(c.genesis, genesis); err != nil {
		c.transport.close()
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	return nil
}

// Close releases the transport.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	err := c.transport.close()
	c.setState(StateDisconnected)
	return err
}

func (c *Connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c, s)
	}
}

// rawCaller exposes a transport as a Caller without touching connection state.
type rawCaller struct {
	t transport
}

func (r rawCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return r.t.call(ctx, method, params)
}
