package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// transport carries JSON-RPC requests to one endpoint.
type transport interface {
	connect(ctx context.Context) error
	call(ctx context.Context, method string, params []any) (json.RawMessage, error)
	close() error
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (r *rpcResponse) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, &RPCError{Code: r.Error.Code, Message: r.Error.Message}
	}
	return r.Result, nil
}

func newRequest(id uint64, method string, params []any) rpcRequest {
	if params == nil {
		params = []any{}
	}
	return rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// httpTransport posts each request to the endpoint.
type httpTransport struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Uint64
}

func newHTTPTransport(url string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *httpTransport) connect(context.Context) error {
	return nil
}

func (t *httpTransport) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(newRequest(t.nextID.Add(1), method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return rpcResp.unwrap()
}

func (t *httpTransport) close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// wsTransport multiplexes requests over one websocket, matching responses
// to requests by id.
type wsTransport struct {
	url     string
	dialer  websocket.Dialer
	onDrop  func(error)
	closing atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan *rpcResponse

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

func newWSTransport(url string, handshakeTimeout time.Duration, onDrop func(error)) *wsTransport {
	return &wsTransport{
		url: url,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		onDrop:  onDrop,
		pending: make(map[uint64]chan *rpcResponse),
	}
}

func (t *wsTransport) connect(ctx context.Context) error {
	t.closing.Store(false)

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	t.mu.Lock()
	if t.conn != nil {
		// Lost a race with a concurrent connect.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		var msg rpcResponse
		if err := conn.ReadJSON(&msg); err != nil {
			t.drop(conn, err)
			return
		}

		// Subscription notifications carry a method and no id.
		if msg.Method != "" || msg.ID == 0 {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[msg.ID]
		delete(t.pending, msg.ID)
		t.mu.Unlock()

		if ok {
			ch <- &msg
		}
	}
}

// drop tears down conn if it is still the active one and fails every
// request waiting on it.
func (t *wsTransport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	pending := t.pending
	t.pending = make(map[uint64]chan *rpcResponse)
	t.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if t.onDrop != nil && !t.closing.Load() {
		t.onDrop(cause)
	}
}

func (t *wsTransport) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, ErrDisconnected
	}
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	err := conn.WriteJSON(newRequest(id, method, params))
	t.writeMu.Unlock()
	if err != nil {
		t.drop(conn, err)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp.unwrap()
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *wsTransport) close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	// A deliberate close is not reported as a disconnect.
	t.closing.Store(true)
	t.drop(conn, ErrClosed)
	return nil
}
