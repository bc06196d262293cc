package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/cache"
	"github.com/nidhogg/memory-substrate/internal/config"
	"github.com/nidhogg/memory-substrate/internal/embedding"
	"github.com/nidhogg/memory-substrate/internal/graph"
	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/metrics"
	"github.com/nidhogg/memory-substrate/internal/scheduler"
	"github.com/nidhogg/memory-substrate/internal/sqlitestore"
	"github.com/nidhogg/memory-substrate/internal/store"
	"github.com/nidhogg/memory-substrate/internal/vectorstore"
)

// app is the wired engine plus everything that must be closed with it.
type app struct {
	engine    *memory.Engine
	metrics   *metrics.Collector
	locker    scheduler.Locker
	publisher scheduler.Publisher
	redis     *cache.Redis
	closers   []func()
	logger    *zap.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (memory.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := store.New(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx, cfg.Storage.Migrations); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, pg.Close, nil
	default:
		var (
			lite *sqlitestore.Store
			err  error
		)
		if cfg.Storage.Path == "" {
			lite, err = sqlitestore.OpenMemory(logger)
		} else {
			lite, err = sqlitestore.Open(cfg.Storage.Path, logger)
		}
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { lite.Close() }, nil
	}
}

func openIndex(cfg *config.Config, logger *zap.Logger) (memory.VectorIndex, func(), error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		c, err := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host:   cfg.Vector.Host,
			Port:   cfg.Vector.Port,
			Prefix: cfg.Vector.Prefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	default:
		c, err := vectorstore.NewChromem(cfg.Vector.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
}

// build wires the engine from cfg. Optional backends (Neo4j, Redis,
// embedding provider) degrade to their absence with a warning.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{metrics: metrics.NewCollector("substrate"), logger: logger}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.closers = append(a.closers, closeRepo)

	index, closeIndex, err := openIndex(cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s index: %w", cfg.Vector.Backend, err)
	}
	a.closers = append(a.closers, closeIndex)

	opts := []memory.Option{memory.WithMetrics(a.metrics)}

	if cfg.Neo4j.URI != "" {
		g, err := graph.New(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, traversal falls back to SQL", zap.Error(err))
		} else if err := g.EnsureSchema(ctx); err != nil {
			logger.Warn("Neo4j schema setup failed", zap.Error(err))
			g.Close(ctx)
		} else {
			opts = append(opts, memory.WithGraph(g))
			a.closers = append(a.closers, func() {
				cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				g.Close(cctx)
			})
		}
	}

	if cfg.Redis.URL != "" {
		r, err := cache.NewRedis(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process cache and lock", zap.Error(err))
		} else {
			a.redis = r
			a.locker = r
			a.publisher = r
			opts = append(opts, memory.WithViewCache(r))
			a.closers = append(a.closers, func() { r.Close() })
		}
	}
	if a.redis == nil {
		local, err := cache.NewLocal(cfg.Cache.MaxBytes)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = cache.NewLocalLocker()
		opts = append(opts, memory.WithViewCache(local))
		a.closers = append(a.closers, local.Close)
	}

	provider, err := embedding.New(cfg.EmbeddingConfig(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if provider != nil {
		opts = append(opts, memory.WithEmbedder(provider))
	}

	a.engine = memory.NewEngine(repo, index, cfg.Engine(), logger, opts...)
	logger.Info("memory substrate ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("vector", cfg.Vector.Backend),
		zap.Bool("graph", cfg.Neo4j.URI != ""),
		zap.Bool("redis", a.redis != nil))
	return a, nil
}
