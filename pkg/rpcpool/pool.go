// Package rpcpool manages the set of established chain connections.
//
// The pool hands out one current connection at a time. When a caller reports
// a failure against it, the pool moves on to the next healthy connection; a
// background loop reconnects and probes connections that were taken out of
// rotation and returns them once they answer again.
//
// Usage:
//
//	pool := rpcpool.NewPool(rpcpool.DefaultConfig(), logger)
//	pool.Register(conn)
//	pool.Start(ctx)
//
//	conn, err := pool.CurrentConnection()
//	if err != nil {
//	    // No healthy connections available
//	}
package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Weypare/subql/pkg/chainid"
	"github.com/Weypare/subql/pkg/rpcclient"
)

// Pool errors.
var (
	ErrNoConnections        = errors.New("no connections registered")
	ErrNoHealthyConnections = errors.New("no healthy connections available")
	ErrPoolClosed           = errors.New("pool is closed")
)

// Default configuration values.
const (
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultFailureThreshold  = 3
)

// Conn is a connection the pool can hand out.
type Conn interface {
	rpcclient.Caller
	URL() string
	Index() int
	Connected() bool
	Reconnect(ctx context.Context) error
	Close() error
}

// Config configures a Pool.
type Config struct {
	// HealthCheckPeriod is the interval between probes of every connection.
	HealthCheckPeriod time.Duration

	// RequestTimeout bounds each probe and reconnect attempt.
	RequestTimeout time.Duration

	// FailureThreshold is the number of consecutive non-transport failures
	// after which a connection leaves rotation. Transport failures take a
	// connection out immediately.
	FailureThreshold int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		RequestTimeout:    DefaultRequestTimeout,
		FailureThreshold:  DefaultFailureThreshold,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = defaults.HealthCheckPeriod
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	return c
}

// endpointState represents the health state of a pooled connection.
type endpointState struct {
	conn      Conn
	healthy   atomic.Bool
	lastCheck atomic.Int64 // Unix nano timestamp
	failCount atomic.Int32
}

// Pool manages a pool of chain connections.
type Pool struct {
	config Config
	logger *zap.Logger

	// Endpoint management
	endpoints []*endpointState
	mu        sync.RWMutex

	// Index into endpoints of the connection currently handed out.
	current atomic.Int64

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// Callbacks
	onHealthChange func(conn Conn, healthy bool)
}

// NewPool creates an empty pool. The health loop is not started until
// Start is called.
func NewPool(config Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config:    config.WithDefaults(),
		logger:    logger.With(zap.String("component", "rpcpool")),
		endpoints: make([]*endpointState, 0),
	}
}

// SetOnHealthChange sets a callback that is invoked when a connection
// enters or leaves rotation. Must be called before Start().
func (p *Pool) SetOnHealthChange(callback func(conn Conn, healthy bool)) {
	p.onHealthChange = callback
}

// Register adds a connection to the pool. Connections are assumed healthy
// until proven otherwise; registering a URL twice is a no-op.
func (p *Pool) Register(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.conn.URL() == conn.URL() {
			return
		}
	}

	ep := &endpointState{conn: conn}
	ep.healthy.Store(true)
	p.endpoints = append(p.endpoints, ep)
}

// Remove removes a connection from the pool without closing it.
func (p *Pool) Remove(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, ep := range p.endpoints {
		if ep.conn.URL() == url {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			if cur := p.current.Load(); cur > int64(i) || cur >= int64(len(p.endpoints)) {
				p.current.Store(max(cur-1, 0))
			}
			return
		}
	}
}

// CurrentConnection returns the connection currently in use. If it has left
// rotation, the next healthy connection becomes current.
func (p *Pool) CurrentConnection() (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.endpoints)
	if n == 0 {
		return nil, ErrNoConnections
	}

	start := int(p.current.Load()) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if p.endpoints[idx].healthy.Load() {
			p.current.Store(int64(idx))
			return p.endpoints[idx].conn, nil
		}
	}
	return nil, ErrNoHealthyConnections
}

// HandleFailure records a failed request against conn and, if conn is
// current, advances to the next connection. Transport errors, or reaching
// FailureThreshold, also take conn out of rotation until the health loop
// restores it; node-level errors alone leave it eligible.
func (p *Pool) HandleFailure(conn Conn, err error) {
	if conn == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	idx := p.indexOfLocked(conn)
	if idx < 0 {
		return
	}
	ep := p.endpoints[idx]

	fails := ep.failCount.Add(1)
	if rpcclient.IsTransportError(err) || int(fails) >= p.config.FailureThreshold {
		p.setHealthy(ep, false)
	}

	if p.current.Load() == int64(idx) && len(p.endpoints) > 1 {
		p.current.Store(int64((idx + 1) % len(p.endpoints)))
	}

	p.logger.Warn("connection failure",
		zap.Int("endpoint", conn.Index()),
		zap.String("url", conn.URL()),
		zap.Int32("failures", fails),
		zap.Error(err),
	)
}

// HandleSuccess resets the failure count of conn.
func (p *Pool) HandleSuccess(conn Conn) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if idx := p.indexOfLocked(conn); idx >= 0 {
		p.endpoints[idx].failCount.Store(0)
	}
}

// Call issues a call through the current connection. Transport failures
// rotate the pool; node-level errors are returned as they are.
func (p *Pool) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	conn, err := p.CurrentConnection()
	if err != nil {
		return nil, err
	}

	result, err := conn.Call(ctx, method, params)
	if rpcclient.IsTransportError(err) {
		p.HandleFailure(conn, err)
	}
	return result, err
}

func (p *Pool) indexOfLocked(conn Conn) int {
	for i, ep := range p.endpoints {
		if ep.conn == conn || ep.conn.URL() == conn.URL() {
			return i
		}
	}
	return -1
}

func (p *Pool) setHealthy(ep *endpointState, healthy bool) {
	wasHealthy := ep.healthy.Swap(healthy)
	if wasHealthy != healthy && p.onHealthChange != nil {
		p.onHealthChange(ep.conn, healthy)
	}
}

// HealthyCount returns the number of connections in rotation.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// TotalCount returns the total number of connections in the pool.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Start begins the health check loop.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return // Already started
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.healthCheckLoop()
}

// Stop stops the health check loop.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Close stops the pool and closes every connection.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	p.Stop()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var errs []error
	for _, ep := range p.endpoints {
		if err := ep.conn.Close(); err != nil && !errors.Is(err, rpcclient.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// healthCheckLoop periodically performs health checks on all connections.
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.CheckNow(p.ctx)
		}
	}
}

// CheckNow probes every connection once, reconnecting those that are down.
func (p *Pool) CheckNow(ctx context.Context) {
	p.mu.RLock()
	endpoints := make([]*endpointState, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *endpointState) {
			defer wg.Done()
			p.checkEndpoint(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// checkEndpoint checks the health of a single connection.
func (p *Pool) checkEndpoint(ctx context.Context, ep *endpointState) {
	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	ep.lastCheck.Store(time.Now().UnixNano())

	if !ep.conn.Connected() {
		if err := ep.conn.Reconnect(ctx); err != nil {
			p.setHealthy(ep, false)
			var mismatch *chainid.MismatchError
			if errors.As(err, &mismatch) {
				p.logger.Warn("endpoint switched chains, removing it",
					zap.String("url", ep.conn.URL()), zap.Error(err))
				p.Remove(ep.conn.URL())
				ep.conn.Close()
				return
			}
			p.logger.Debug("reconnect failed",
				zap.String("url", ep.conn.URL()), zap.Error(err))
			return
		}
	}

	if _, err := rpcclient.NewChain(ep.conn).Health(ctx); err != nil {
		failCount := ep.failCount.Add(1)
		if rpcclient.IsTransportError(err) || int(failCount) >= p.config.FailureThreshold {
			p.setHealthy(ep, false)
		}
		return
	}

	ep.failCount.Store(0)
	p.setHealthy(ep, true)
}

// EndpointStatus returns the status of all connections in the pool.
func (p *Pool) EndpointStatus() []EndpointInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	current := p.current.Load()
	infos := make([]EndpointInfo, len(p.endpoints))
	for i, ep := range p.endpoints {
		infos[i] = EndpointInfo{
			Index:     ep.conn.Index(),
			URL:       ep.conn.URL(),
			Healthy:   ep.healthy.Load(),
			Connected: ep.conn.Connected(),
			Current:   int64(i) == current,
			LastCheck: time.Unix(0, ep.lastCheck.Load()),
			FailCount: int(ep.failCount.Load()),
		}
	}
	return infos
}

// EndpointInfo contains status information about a pooled connection.
type EndpointInfo struct {
	Index     int       `json:"index"`
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	Connected bool      `json:"connected"`
	Current   bool      `json:"current"`
	LastCheck time.Time `json:"lastCheck"`
	FailCount int       `json:"failCount"`
}
