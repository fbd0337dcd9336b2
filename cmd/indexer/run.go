package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Weypare/subql/internal/logging"
	"github.com/Weypare/subql/pkg/blockcache"
	"github.com/Weypare/subql/pkg/bootstrap"
	"github.com/Weypare/subql/pkg/events"
	"github.com/Weypare/subql/pkg/fetch"
	"github.com/Weypare/subql/pkg/hasher"
	"github.com/Weypare/subql/pkg/headerindex"
	"github.com/Weypare/subql/pkg/historic"
	"github.com/Weypare/subql/pkg/metrics"
	"github.com/Weypare/subql/pkg/rpcapi"
	"github.com/Weypare/subql/pkg/rpcclient"
	"github.com/Weypare/subql/pkg/rpcmeta"
	"github.com/Weypare/subql/pkg/rpcpool"
	"github.com/Weypare/subql/pkg/status"
)

// run wires every component and indexes until ctx is cancelled or the end
// height is reached.
func run(ctx context.Context, o options) error {
	logger, err := logging.New(logging.Config{
		Level:   o.LogLevel,
		Console: !o.Quiet,
		File:    o.LogFile,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting indexer", zap.String("version", Version), zap.String("commit", GitCommit))

	handlers, err := parseHandlers(o.Handlers)
	if err != nil {
		return err
	}

	var chainTypes *hasher.ChainTypes
	if o.ChainTypesFile != "" {
		if chainTypes, err = hasher.LoadChainTypes(o.ChainTypesFile); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	bus := events.NewBus()
	if err := bus.SubscribeConnection(func(up bool, c events.Connection) {
		if up {
			logger.Info("endpoint up", zap.Int("endpoint", c.Index), zap.String("url", c.URL))
		} else {
			logger.Warn("endpoint down", zap.Int("endpoint", c.Index), zap.String("url", c.URL))
		}
	}); err != nil {
		return err
	}
	defer bus.Wait()

	pool := rpcpool.NewPool(rpcpool.DefaultConfig(), logger)
	pool.SetOnHealthChange(func(conn rpcpool.Conn, healthy bool) {
		m.SetEndpoint(conn.Index(), conn.URL(), healthy)
	})
	defer pool.Close()

	res, err := bootstrap.Run(ctx, bootstrap.NetworkConfig{
		Endpoints:       o.Endpoints,
		ChainID:         o.ChainID,
		ChainTypes:      chainTypes,
		PrimaryEndpoint: o.PrimaryEndpoint,
	}, bootstrap.Deps{
		Pool:    pool,
		Events:  bus,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("connected",
		zap.Int("endpoints", len(res.Connections)),
		zap.Strings("skipped", res.Skipped),
	)

	pool.Start(ctx)
	defer pool.Stop()

	var indexPath string
	if o.DataDir != "" {
		if err := os.MkdirAll(o.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		indexPath = filepath.Join(o.DataDir, "headers.db")
	}
	index, err := headerindex.Open(headerindex.Config{Path: indexPath}, rpcclient.NewChain(pool), logger)
	if err != nil {
		return fmt.Errorf("open header index: %w", err)
	}
	defer index.Close()

	fetchCfg := fetch.Config{
		Concurrency: o.Concurrency,
		Metrics:     m,
		Logger:      logger,
	}
	if o.DataDir != "" {
		cacheCfg := blockcache.DefaultConfig(filepath.Join(o.DataDir, "blocks"))
		cacheCfg.TTL = o.CacheTTL
		cache, err := blockcache.Open(cacheCfg)
		if err != nil {
			return fmt.Errorf("open block cache: %w", err)
		}
		defer cache.Close()
		if err := cache.DeleteBelow(o.StartHeight); err != nil {
			logger.Warn("prune block cache", zap.Uint64("below", o.StartHeight), zap.Error(err))
		}
		fetchCfg.Cache = cache
	}

	strategy := fetch.SelectStrategy(handlers, o.SkipTransactions)
	orch, err := fetch.NewOrchestrator(pool, strategy, fetchCfg)
	if err != nil {
		return err
	}

	descs := rpcmeta.Builtin()
	surface, err := rpcapi.NewSurface(descs, pool)
	if err != nil {
		return err
	}
	guards := historic.NewRegistry(descs)
	guards.SetOnReject(func(method string, err error) {
		m.ObserveRejection(rejectReason(err))
		logger.Debug("historic call refused", zap.String("method", method), zap.Error(err))
	})
	disabled, err := checkSurface(surface, guards, runtimeVersionMethod)
	if err != nil {
		return err
	}
	logger.Debug("methods refused in historic views", zap.Strings("methods", disabled))
	counts := guards.Counts()
	logger.Info("api surface ready",
		zap.Int("methods", surface.Len()),
		zap.Strings("sections", rpcmeta.Sections(descs)),
		zap.Int("numberGuarded", counts[historic.NumberGuarded]),
		zap.Int("hashGuarded", counts[historic.HashGuarded]),
		zap.Int("unsupported", counts[historic.Unsupported]),
		zap.Stringer("strategy", strategy),
	)

	prog := &progress{}
	prog.strategy.Store(int32(strategy))

	if o.StatusPort > 0 {
		srv := status.New(status.Config{BindAddress: o.StatusAddr, Port: o.StatusPort}, o.ChainID, pool, prog, reg)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server", zap.Error(err))
			}
		}()
		logger.Info("status server listening", zap.String("address", srv.Address()))
	}

	ix := &indexer{
		fetcher:     orch,
		chain:       rpcclient.NewChain(pool),
		index:       index,
		guards:      guards,
		surface:     surface,
		progress:    prog,
		logger:      logger.With(zap.String("component", "indexer")),
		start:       o.StartHeight,
		end:         o.EndHeight,
		batchSize:   o.BatchSize,
		maxAttempts: o.MaxAttempts,
		poll:        o.PollInterval,
	}
	if o.SpecVersion != 0 {
		v := o.SpecVersion
		ix.specVersion = &v
	}

	err = ix.run(ctx)
	if ctx.Err() != nil {
		// Shutdown was requested; whatever the loop was doing is abandoned.
		err = nil
	}
	logger.Info("indexer stopped",
		zap.Uint64("lastHeight", prog.LastHeight()),
		zap.Uint64("blocksFetched", prog.BlocksFetched()),
	)
	return err
}

// parseHandlers converts handler kind names.
func parseHandlers(names []string) ([]fetch.HandlerKind, error) {
	kinds := make([]fetch.HandlerKind, 0, len(names))
	for _, name := range names {
		k, err := fetch.ParseHandlerKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// rejectReason is the metrics label for a refused historic call.
func rejectReason(err error) string {
	switch {
	case historic.IsUnsupported(err):
		return "unsupported"
	case historic.IsBound(err):
		return "future_block"
	case errors.Is(err, historic.ErrInvalidHistoricArg):
		return "invalid_argument"
	default:
		return "resolve_failed"
	}
}
