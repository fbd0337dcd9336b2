package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Weypare/subql/pkg/chainid"
	"github.com/Weypare/subql/pkg/rpcclient"
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	url       string
	index     int
	connected atomic.Bool
	failCalls atomic.Bool
	failDial  atomic.Bool
	mismatch  atomic.Bool
	calls     atomic.Int32
	reconnect atomic.Int32
	closed    atomic.Bool
}

func newFakeConn(index int) *fakeConn {
	c := &fakeConn{url: fmt.Sprintf("http://node-%d", index), index: index}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) Call(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	c.calls.Add(1)
	if c.failCalls.Load() {
		c.connected.Store(false)
		return nil, errors.New("connection refused")
	}
	if method == "system_health" {
		return json.RawMessage(`{"peers":5,"isSyncing":false,"shouldHavePeers":true}`), nil
	}
	return json.RawMessage(fmt.Sprintf(`%d`, c.index)), nil
}

func (c *fakeConn) URL() string     { return c.url }
func (c *fakeConn) Index() int      { return c.index }
func (c *fakeConn) Connected() bool { return c.connected.Load() }

func (c *fakeConn) Reconnect(context.Context) error {
	c.reconnect.Add(1)
	if c.failDial.Load() {
		return errors.New("dial failed")
	}
	if c.mismatch.Load() {
		return &chainid.MismatchError{Expected: "0x01", Actual: "0x02"}
	}
	c.connected.Store(true)
	c.failCalls.Store(false)
	return nil
}

func (c *fakeConn) Close() error {
	if c.closed.Swap(true) {
		return rpcclient.ErrClosed
	}
	return nil
}

func newTestPool(t *testing.T, n int) (*Pool, []*fakeConn) {
	t.Helper()
	pool := NewPool(Config{}, nil)
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(i)
		pool.Register(conns[i])
	}
	return pool, conns
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{FailureThreshold: 5}.WithDefaults()

	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.HealthCheckPeriod != DefaultHealthCheckPeriod {
		t.Errorf("HealthCheckPeriod = %v, want %v", cfg.HealthCheckPeriod, DefaultHealthCheckPeriod)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, DefaultRequestTimeout)
	}
}

func TestEmptyPool(t *testing.T) {
	pool := NewPool(DefaultConfig(), nil)

	if _, err := pool.CurrentConnection(); !errors.Is(err, ErrNoConnections) {
		t.Errorf("CurrentConnection() error = %v, want ErrNoConnections", err)
	}
	if _, err := pool.Call(context.Background(), "system_health", nil); !errors.Is(err, ErrNoConnections) {
		t.Errorf("Call() error = %v, want ErrNoConnections", err)
	}
}

func TestRegisterDeduplicates(t *testing.T) {
	pool, conns := newTestPool(t, 2)
	pool.Register(conns[0])

	if got := pool.TotalCount(); got != 2 {
		t.Errorf("TotalCount() = %d, want 2", got)
	}
	if got := pool.HealthyCount(); got != 2 {
		t.Errorf("HealthyCount() = %d, want 2", got)
	}
}

func TestCurrentConnectionIsStable(t *testing.T) {
	pool, conns := newTestPool(t, 3)

	for i := 0; i < 5; i++ {
		conn, err := pool.CurrentConnection()
		if err != nil {
			t.Fatalf("CurrentConnection() error = %v", err)
		}
		if conn != conns[0] {
			t.Fatalf("CurrentConnection() = %s, want %s", conn.URL(), conns[0].URL())
		}
	}
}

func TestHandleFailureRotates(t *testing.T) {
	pool, conns := newTestPool(t, 3)

	var mu sync.Mutex
	var changes []string
	pool.SetOnHealthChange(func(conn Conn, healthy bool) {
		mu.Lock()
		changes = append(changes, fmt.Sprintf("%d:%v", conn.Index(), healthy))
		mu.Unlock()
	})

	pool.HandleFailure(conns[0], errors.New("connection reset"))

	conn, err := pool.CurrentConnection()
	if err != nil {
		t.Fatalf("CurrentConnection() error = %v", err)
	}
	if conn != conns[1] {
		t.Errorf("CurrentConnection() = %s, want %s", conn.URL(), conns[1].URL())
	}
	if got := pool.HealthyCount(); got != 2 {
		t.Errorf("HealthyCount() = %d, want 2", got)
	}
	if len(changes) != 1 || changes[0] != "0:false" {
		t.Errorf("health changes = %v, want [0:false]", changes)
	}
}

func TestHandleFailureNodeErrorKeepsConnection(t *testing.T) {
	pool, conns := newTestPool(t, 2)

	// A node-level error advances the pool without taking the
	// connection out of rotation.
	pool.HandleFailure(conns[0], &rpcclient.RPCError{Code: -32000, Message: "busy"})

	if got := pool.HealthyCount(); got != 2 {
		t.Errorf("HealthyCount() = %d, want 2", got)
	}
	conn, _ := pool.CurrentConnection()
	if conn != conns[1] {
		t.Errorf("CurrentConnection() = %s, want %s", conn.URL(), conns[1].URL())
	}

	// Repeated failures cross the threshold.
	for i := 0; i < DefaultFailureThreshold; i++ {
		pool.HandleFailure(conns[0], &rpcclient.RPCError{Code: -32000, Message: "busy"})
	}
	if got := pool.HealthyCount(); got != 1 {
		t.Errorf("HealthyCount() = %d, want 1", got)
	}
}

func TestAllConnectionsDown(t *testing.T) {
	pool, conns := newTestPool(t, 2)

	for _, c := range conns {
		pool.HandleFailure(c, errors.New("connection refused"))
	}

	if _, err := pool.CurrentConnection(); !errors.Is(err, ErrNoHealthyConnections) {
		t.Errorf("CurrentConnection() error = %v, want ErrNoHealthyConnections", err)
	}
}

func TestCallRotatesOnTransportError(t *testing.T) {
	pool, conns := newTestPool(t, 2)
	conns[0].failCalls.Store(true)

	if _, err := pool.Call(context.Background(), "chain_getBlockHash", []any{1}); err == nil {
		t.Fatal("Call() expected error")
	}

	raw, err := pool.Call(context.Background(), "chain_getBlockHash", []any{1})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(raw) != "1" {
		t.Errorf("Call() served by %s, want node-1", raw)
	}
}

func TestCheckNowRestoresConnection(t *testing.T) {
	pool, conns := newTestPool(t, 2)
	conns[0].failCalls.Store(true)

	pool.Call(context.Background(), "chain_getBlockHash", []any{1})
	if got := pool.HealthyCount(); got != 1 {
		t.Fatalf("HealthyCount() = %d, want 1", got)
	}

	pool.CheckNow(context.Background())

	if got := conns[0].reconnect.Load(); got != 1 {
		t.Errorf("reconnect attempts = %d, want 1", got)
	}
	if got := pool.HealthyCount(); got != 2 {
		t.Errorf("HealthyCount() = %d, want 2", got)
	}
	if conns[1].reconnect.Load() != 0 {
		t.Error("a live connection should not be reconnected")
	}
}

func TestCheckNowKeepsDeadConnectionOut(t *testing.T) {
	pool, conns := newTestPool(t, 2)
	conns[1].connected.Store(false)
	conns[1].failDial.Store(true)

	pool.CheckNow(context.Background())

	status := pool.EndpointStatus()
	if len(status) != 2 {
		t.Fatalf("EndpointStatus() len = %d, want 2", len(status))
	}
	if !status[0].Healthy || !status[0].Current {
		t.Errorf("endpoint 0 = %+v, want healthy and current", status[0])
	}
	if status[1].Healthy || status[1].Connected {
		t.Errorf("endpoint 1 = %+v, want unhealthy and disconnected", status[1])
	}
	if status[1].LastCheck.IsZero() {
		t.Error("endpoint 1 LastCheck not recorded")
	}
}

func TestRemove(t *testing.T) {
	pool, conns := newTestPool(t, 3)
	pool.HandleFailure(conns[0], errors.New("eof"))
	pool.HandleFailure(conns[1], errors.New("eof"))

	pool.Remove(conns[0].URL())

	if got := pool.TotalCount(); got != 2 {
		t.Errorf("TotalCount() = %d, want 2", got)
	}
	conn, err := pool.CurrentConnection()
	if err != nil {
		t.Fatalf("CurrentConnection() error = %v", err)
	}
	if conn != conns[2] {
		t.Errorf("CurrentConnection() = %s, want %s", conn.URL(), conns[2].URL())
	}
}

func TestCheckNowRemovesSwitchedChain(t *testing.T) {
	pool, conns := newTestPool(t, 3)
	conns[1].failCalls.Store(true)
	conns[1].mismatch.Store(true)
	pool.HandleFailure(conns[0], &rpcclient.RPCError{Code: -32000, Message: "busy"})

	if _, err := pool.Call(context.Background(), "system_health", nil); err == nil {
		t.Fatal("Call() through a failing connection succeeded")
	}
	pool.CheckNow(context.Background())

	if got := pool.TotalCount(); got != 2 {
		t.Errorf("TotalCount() = %d, want 2", got)
	}
	if !conns[1].closed.Load() {
		t.Error("removed connection was not closed")
	}
	for _, info := range pool.EndpointStatus() {
		if info.URL == conns[1].URL() {
			t.Errorf("removed connection still listed: %+v", info)
		}
	}
	conn, err := pool.CurrentConnection()
	if err != nil {
		t.Fatalf("CurrentConnection() error = %v", err)
	}
	if conn != conns[2] {
		t.Errorf("CurrentConnection() = %s, want %s", conn.URL(), conns[2].URL())
	}
}

func TestStartStop(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	pool.Start(ctx) // Second start is a no-op
	pool.Stop()
}

func TestClose(t *testing.T) {
	pool, conns := newTestPool(t, 2)

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, c := range conns {
		if !c.closed.Load() {
			t.Errorf("%s not closed", c.URL())
		}
	}
	if !errors.Is(pool.Close(), ErrPoolClosed) {
		t.Error("second Close() should return ErrPoolClosed")
	}
	if _, err := pool.CurrentConnection(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("CurrentConnection() error = %v, want ErrPoolClosed", err)
	}
}
