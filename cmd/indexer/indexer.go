package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Weypare/subql/internal/types"
	"github.com/Weypare/subql/pkg/fetch"
	"github.com/Weypare/subql/pkg/headerindex"
	"github.com/Weypare/subql/pkg/historic"
	"github.com/Weypare/subql/pkg/rpcapi"
	"github.com/Weypare/subql/pkg/rpcclient"
)

// runtimeVersionMethod is queried through the snapshot view for every block.
const runtimeVersionMethod = "state.getRuntimeVersion"

// blockFetcher fetches batches of blocks.
type blockFetcher interface {
	Fetch(ctx context.Context, heights []uint64, specVersionHint *uint32, maxAttempts int) ([]*types.Block, error)
	Strategy() fetch.Strategy
}

// indexer drives the fetch loop and runs the per-block queries.
type indexer struct {
	fetcher  blockFetcher
	chain    *rpcclient.Chain
	index    *headerindex.Index
	guards   *historic.Registry
	surface  rpcapi.Surface
	progress *progress
	logger   *zap.Logger

	start       uint64
	end         uint64
	batchSize   int
	maxAttempts int
	specVersion *uint32
	poll        time.Duration
}

func (ix *indexer) run(ctx context.Context) error {
	next := ix.start
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := ix.end
		if target == 0 {
			head, err := ix.finalizedHeight(ctx)
			if err != nil {
				ix.logger.Warn("finalized head unavailable", zap.Error(err))
				if err := sleep(ctx, ix.poll); err != nil {
					return err
				}
				continue
			}
			target = head
		}

		if next > target {
			if ix.end != 0 {
				ix.logger.Info("end height reached", zap.Uint64("height", ix.end))
				return nil
			}
			if err := sleep(ctx, ix.poll); err != nil {
				return err
			}
			continue
		}

		heights := batch(next, target, ix.batchSize)
		blocks, err := ix.fetcher.Fetch(ctx, heights, ix.specVersion, ix.maxAttempts)
		if err != nil {
			ix.progress.setError(err)
			return err
		}

		if err := ix.index.AddBlocks(blocks); err != nil {
			ix.logger.Warn("index block hashes", zap.Error(err))
		}
		for _, b := range blocks {
			if err := ix.process(ctx, b); err != nil {
				ix.progress.setError(err)
				return err
			}
		}

		next = heights[len(heights)-1] + 1
		ix.progress.advance(next-1, len(blocks))
		ix.logger.Debug("batch indexed",
			zap.Uint64("from", heights[0]),
			zap.Uint64("to", next-1),
			zap.Stringer("strategy", ix.fetcher.Strategy()),
		)
	}
}

// process binds a snapshot view for b and queries the runtime version
// through it.
func (ix *indexer) process(ctx context.Context, b *types.Block) error {
	snap := b.Snapshot(types.RuntimeVersion{SpecVersion: b.SpecVersion})
	view := ix.guards.Bind(ix.surface, snap, ix.index)

	raw, err := view.Raw(ctx, runtimeVersionMethod)
	if err != nil {
		return fmt.Errorf("block %s: %w", snap, err)
	}
	var rv types.RuntimeVersion
	if err := json.Unmarshal(raw, &rv); err != nil {
		return fmt.Errorf("block %s: decode runtime version: %w", snap, err)
	}
	if ix.specVersion == nil && rv.SpecVersion != b.SpecVersion {
		ix.logger.Warn("runtime version disagrees with fetched block",
			zap.Uint64("height", b.Number),
			zap.Uint32("fetched", b.SpecVersion),
			zap.Uint32("queried", rv.SpecVersion),
		)
	}
	return nil
}

// checkSurface fails unless every required method can be called through a
// snapshot view, and returns the surface methods views refuse.
func checkSurface(surface rpcapi.Surface, guards *historic.Registry, required ...string) ([]string, error) {
	for _, name := range required {
		rule, ok := guards.Rule(name)
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, rpcapi.ErrUnknownMethod)
		}
		if rule.Kind == historic.Unsupported {
			return nil, &historic.UnsupportedMethodError{Method: name, Reason: rule.Reason}
		}
	}

	var disabled []string
	for _, name := range surface.Names() {
		if rule, ok := guards.Rule(name); ok && rule.Kind == historic.Unsupported {
			disabled = append(disabled, name)
		}
	}
	return disabled, nil
}

func (ix *indexer) finalizedHeight(ctx context.Context) (uint64, error) {
	hash, err := ix.chain.FinalizedHead(ctx)
	if err != nil {
		return 0, err
	}
	return ix.index.BlockNumber(ctx, hash)
}

// batch returns up to size consecutive heights starting at from, capped at to.
func batch(from, to uint64, size int) []uint64 {
	if size <= 0 {
		size = 1
	}
	n := to - from + 1
	if n > uint64(size) {
		n = uint64(size)
	}
	heights := make([]uint64, n)
	for i := range heights {
		heights[i] = from + uint64(i)
	}
	return heights
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// progress tracks indexing state for the status server.
type progress struct {
	lastHeight atomic.Uint64
	fetched    atomic.Uint64
	strategy   atomic.Int32
	lastError  atomic.Pointer[error]
}

func (p *progress) advance(height uint64, n int) {
	p.lastHeight.Store(height)
	p.fetched.Add(uint64(n))
}

func (p *progress) setError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.lastError.Store(&err)
}

func (p *progress) LastHeight() uint64    { return p.lastHeight.Load() }
func (p *progress) BlocksFetched() uint64 { return p.fetched.Load() }
func (p *progress) Strategy() string      { return fetch.Strategy(p.strategy.Load()).String() }

func (p *progress) LastError() error {
	if err := p.lastError.Load(); err != nil {
		return *err
	}
	return nil
}
