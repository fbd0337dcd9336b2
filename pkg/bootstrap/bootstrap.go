// Package bootstrap establishes the indexer's chain connections at startup.
//
// Run resolves the chain-type hashers, dials every configured endpoint,
// checks that each one serves the configured chain and registers the
// survivors with the pool. Failures here are configuration errors: they are
// returned to the caller, which is expected to exit.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Weypare/subql/pkg/chainid"
	"github.com/Weypare/subql/pkg/events"
	"github.com/Weypare/subql/pkg/hasher"
	"github.com/Weypare/subql/pkg/metrics"
	"github.com/Weypare/subql/pkg/rpcclient"
	"github.com/Weypare/subql/pkg/rpcpool"
)

var (
	// ErrNoEndpoints is returned when the configuration lists no endpoints.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrNoConnections is returned when no endpoint could be reached.
	ErrNoConnections = errors.New("no endpoint could be reached")
)

// NetworkConfig describes the network to connect to.
type NetworkConfig struct {
	// Endpoints are the node URLs, in preference order.
	Endpoints []string

	// ChainID is the expected chain identity (genesis hash).
	ChainID string

	// ChainTypes is the optional chain-type configuration.
	ChainTypes *hasher.ChainTypes

	// PrimaryEndpoint, if set, is placed ahead of Endpoints.
	PrimaryEndpoint string
}

// Conn is an established connection with the identity it reported.
type Conn interface {
	rpcpool.Conn
	Genesis() string
}

// DialFunc opens a connection to one endpoint.
type DialFunc func(ctx context.Context, index int, url string) (Conn, error)

// Registrar accepts established connections.
type Registrar interface {
	Register(conn rpcpool.Conn)
}

// Deps are the collaborators Run works with.
type Deps struct {
	// Pool receives every validated connection.
	Pool Registrar

	// Hashers resolves hasher names. Defaults to hasher.DefaultRegistry().
	Hashers *hasher.Registry

	// Dial opens connections. Defaults to DefaultDialer with Events and
	// Metrics attached.
	Dial DialFunc

	// Events receives connection liveness events (optional).
	Events *events.Bus

	// Metrics records endpoint liveness (optional).
	Metrics *metrics.Metrics

	// Logger (optional).
	Logger *zap.Logger
}

// Result is the outcome of a successful bootstrap.
type Result struct {
	// ChainTypes is the resolved chain-type configuration, nil if none was given.
	ChainTypes *hasher.ChainTypes

	// Connections are the registered connections in endpoint order.
	Connections []Conn

	// Skipped lists endpoints that could not be reached.
	Skipped []string
}

// DefaultDialer dials with rpcclient and forwards liveness transitions to
// bus and m.
func DefaultDialer(opts rpcclient.Options, bus *events.Bus, m *metrics.Metrics) DialFunc {
	return func(ctx context.Context, index int, url string) (Conn, error) {
		o := opts
		next := opts.OnStateChange
		o.OnStateChange = func(c *rpcclient.Connection, s rpcclient.State) {
			up := s == rpcclient.StateConnected
			bus.PublishConnection(up, c.Index(), c.URL())
			m.SetEndpoint(c.Index(), c.URL(), up)
			if next != nil {
				next(c, s)
			}
		}
		conn, err := rpcclient.Dial(ctx, index, url, o)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// MergeEndpoints places primary ahead of endpoints and drops blanks and
// duplicates, keeping first occurrences.
func MergeEndpoints(primary string, endpoints []string) []string {
	all := make([]string, 0, len(endpoints)+1)
	if primary != "" {
		all = append(all, primary)
	}
	all = append(all, endpoints...)

	seen := make(map[string]struct{}, len(all))
	merged := make([]string, 0, len(all))
	for _, e := range all {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := strings.TrimRight(e, "/")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, e)
	}
	return merged
}

// Run performs the startup sequence.
func Run(ctx context.Context, cfg NetworkConfig, deps Deps) (*Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bootstrap"))

	if deps.Pool == nil {
		return nil, errors.New("bootstrap: no pool")
	}
	hashers := deps.Hashers
	if hashers == nil {
		hashers = hasher.DefaultRegistry()
	}
	dial := deps.Dial
	if dial == nil {
		dial = DefaultDialer(rpcclient.Options{}, deps.Events, deps.Metrics)
	}

	// 1. Hashers.
	chainTypes, err := hasher.Resolve(cfg.ChainTypes, hashers)
	if err != nil {
		return nil, fmt.Errorf("resolve chain types: %w", err)
	}

	// 2. Connections.
	endpoints := MergeEndpoints(cfg.PrimaryEndpoint, cfg.Endpoints)
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	type dialResult struct {
		conn Conn
		err  error
	}
	results := make([]dialResult, len(endpoints))

	var wg sync.WaitGroup
	for i, url := range endpoints {
		i, url := i, url
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := dial(ctx, i, url)
			results[i] = dialResult{conn: conn, err: err}
		}()
	}
	wg.Wait()

	closeAll := func() {
		for _, r := range results {
			if r.conn != nil {
				r.conn.Close()
			}
		}
	}

	if err := ctx.Err(); err != nil {
		closeAll()
		return nil, err
	}

	res := &Result{ChainTypes: chainTypes}
	for i, r := range results {
		if r.err != nil {
			logger.Warn("endpoint unreachable, skipping",
				zap.Int("endpoint", i),
				zap.String("url", endpoints[i]),
				zap.Error(r.err),
			)
			res.Skipped = append(res.Skipped, endpoints[i])
			continue
		}
		if err := chainid.Validate(cfg.ChainID, r.conn.Genesis()); err != nil {
			closeAll()
			return nil, fmt.Errorf("endpoint %s: %w", endpoints[i], err)
		}
		res.Connections = append(res.Connections, r.conn)
	}

	if len(res.Connections) == 0 {
		return nil, fmt.Errorf("%w: tried %d", ErrNoConnections, len(endpoints))
	}

	// 3. Registration.
	for _, conn := range res.Connections {
		deps.Pool.Register(conn)
		logger.Info("endpoint connected",
			zap.Int("endpoint", conn.Index()),
			zap.String("url", conn.URL()),
			zap.String("genesis", conn.Genesis()),
		)
	}

	return res, nil
}
