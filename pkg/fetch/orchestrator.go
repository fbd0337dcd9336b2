// Package fetch retrieves batches of blocks through the connection pool.
//
// A batch is fetched from one connection at a time, its heights in parallel.
// When any height fails, the pool is told about the failure and the whole
// batch is retried, possibly on another connection, until it succeeds or the
// attempt budget runs out. Results always come back in request order.
package fetch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Weypare/subql/internal/types"
	"github.com/Weypare/subql/pkg/metrics"
	"github.com/Weypare/subql/pkg/rpcclient"
	"github.com/Weypare/subql/pkg/rpcpool"
)

// Default configuration values.
const (
	// DefaultConcurrency is the default number of heights fetched at once.
	DefaultConcurrency = 10

	// DefaultRetryDelay is the initial delay between attempts.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between attempts.
	DefaultMaxRetryDelay = 5 * time.Second
)

// Pool is the part of the connection pool the orchestrator uses.
type Pool interface {
	CurrentConnection() (rpcpool.Conn, error)
	HandleFailure(conn rpcpool.Conn, err error)
	HandleSuccess(conn rpcpool.Conn)
}

// Cache stores fetched blocks.
type Cache interface {
	Get(height uint64, light bool) (*types.Block, bool, error)
	Put(blocks ...*types.Block) error
}

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the number of heights fetched at once within a batch.
	Concurrency int

	// RetryDelay is the initial delay between attempts.
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay between attempts.
	MaxRetryDelay time.Duration

	// Cache is consulted before fetching and filled afterwards (optional).
	Cache Cache

	// Metrics records attempts and fetched blocks (optional).
	Metrics *metrics.Metrics

	// Logger for retry and cache diagnostics (optional).
	Logger *zap.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Orchestrator fetches block batches with retries across the pool.
type Orchestrator struct {
	config   Config
	pool     Pool
	strategy atomic.Int32
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator using the given strategy.
func NewOrchestrator(pool Pool, strategy Strategy, config Config) (*Orchestrator, error) {
	if pool == nil {
		return nil, ErrNoPool
	}
	config = config.WithDefaults()

	o := &Orchestrator{
		config: config,
		pool:   pool,
		logger: config.Logger.With(zap.String("component", "fetch")),
	}
	o.strategy.Store(int32(strategy))
	return o, nil
}

// Strategy returns the strategy in use.
func (o *Orchestrator) Strategy() Strategy {
	return Strategy(o.strategy.Load())
}

// SetStrategy changes the strategy for subsequent batches.
func (o *Orchestrator) SetStrategy(s Strategy) {
	if prev := Strategy(o.strategy.Swap(int32(s))); prev != s {
		o.logger.Info("fetch strategy changed",
			zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Fetch returns the blocks at heights, in the same order. When
// specVersionHint is set it is used as the spec version of every block,
// cached ones included, instead of querying the runtime version per block.
// Only blocks carrying a queried spec version are written to the cache.
func (o *Orchestrator) Fetch(ctx context.Context, heights []uint64, specVersionHint *uint32, maxAttempts int) ([]*types.Block, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAttempts, maxAttempts)
	}

	start := time.Now()
	strategy := o.Strategy()
	light := strategy == Light

	blocks := make([]*types.Block, len(heights))
	missing := o.fromCache(heights, light, specVersionHint, blocks)
	if len(missing) == 0 {
		return blocks, nil
	}

	var lastErr error
	delay := o.config.RetryDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := o.attempt(ctx, strategy, heights, missing, specVersionHint, blocks)
		if err == nil {
			o.config.Metrics.ObserveAttempt(true)
			o.config.Metrics.ObserveBlocks(strategy.String(), len(missing))
			o.config.Metrics.ObserveFetchDuration(time.Since(start))
			if specVersionHint == nil {
				o.toCache(heights, missing, blocks)
			}
			return blocks, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		o.config.Metrics.ObserveAttempt(false)
		o.logger.Warn("fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.Uint64("firstHeight", heights[missing[0]]),
			zap.Int("blocks", len(missing)),
			zap.Error(err),
		)

		// Wait before retry with exponential backoff
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, o.config.MaxRetryDelay)
		}
	}

	return nil, &RetryExhaustedError{Attempts: maxAttempts, Heights: heights, Last: lastErr}
}

// attempt fetches the missing positions through the current connection.
// blocks is only written when every height succeeded.
func (o *Orchestrator) attempt(ctx context.Context, strategy Strategy, heights []uint64, missing []int, hint *uint32, blocks []*types.Block) error {
	conn, err := o.pool.CurrentConnection()
	if err != nil {
		return err
	}
	chain := rpcclient.NewChain(conn)

	fetched := make([]*types.Block, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)

	for i, pos := range missing {
		i := i
		height := heights[pos]
		g.Go(func() error {
			block, err := fetchBlock(gctx, chain, strategy, height, hint)
			if err != nil {
				return fmt.Errorf("block %d: %w", height, err)
			}
			fetched[i] = block
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			o.pool.HandleFailure(conn, err)
		}
		return err
	}

	o.pool.HandleSuccess(conn)
	for i, pos := range missing {
		blocks[pos] = fetched[i]
	}
	return nil
}

// fetchBlock retrieves one block with the given strategy.
func fetchBlock(ctx context.Context, chain *rpcclient.Chain, strategy Strategy, height uint64, hint *uint32) (*types.Block, error) {
	hash, err := chain.BlockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	block := &types.Block{Number: height, Hash: hash, Light: strategy == Light}

	if strategy == Light {
		block.Header, err = chain.Header(ctx, hash)
	} else {
		block.Header, block.Extrinsics, err = chain.Block(ctx, hash)
	}
	if err != nil {
		return nil, err
	}
	if block.Header.Number != height {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrHeightMismatch, height, block.Header.Number)
	}

	if block.Events, err = chain.Events(ctx, hash); err != nil {
		return nil, err
	}

	if hint != nil {
		block.SpecVersion = *hint
	} else {
		rv, err := chain.RuntimeVersion(ctx, hash)
		if err != nil {
			return nil, err
		}
		block.SpecVersion = rv.SpecVersion
	}
	return block, nil
}

// fromCache fills blocks from the cache and returns the positions still
// missing. A non-nil hint overrides the cached spec version.
func (o *Orchestrator) fromCache(heights []uint64, light bool, hint *uint32, blocks []*types.Block) []int {
	missing := make([]int, 0, len(heights))
	for i, h := range heights {
		if o.config.Cache != nil {
			block, ok, err := o.config.Cache.Get(h, light)
			if err != nil {
				o.logger.Warn("block cache read failed", zap.Uint64("height", h), zap.Error(err))
			}
			if ok {
				if hint != nil {
					hinted := *block
					hinted.SpecVersion = *hint
					block = &hinted
				}
				blocks[i] = block
				continue
			}
		}
		missing = append(missing, i)
	}
	o.config.Metrics.ObserveCacheHits(len(heights) - len(missing))
	return missing
}

func (o *Orchestrator) toCache(heights []uint64, missing []int, blocks []*types.Block) {
	if o.config.Cache == nil {
		return
	}
	fresh := make([]*types.Block, len(missing))
	for i, pos := range missing {
		fresh[i] = blocks[pos]
	}
	if err := o.config.Cache.Put(fresh...); err != nil {
		o.logger.Warn("block cache write failed",
			zap.Uint64("firstHeight", heights[missing[0]]), zap.Error(err))
	}
}
