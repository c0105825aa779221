package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/config"
	"github.com/shopquery/shopquery/pkg/llm"
	"github.com/shopquery/shopquery/pkg/logging"
	"github.com/shopquery/shopquery/pkg/pipeline"
	"github.com/shopquery/shopquery/pkg/querylog"
	"github.com/shopquery/shopquery/pkg/warehouse"
)

// app holds the process-owned components shared by serve and mcp.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	warehouse *warehouse.Warehouse
	llm       *llm.Client
	pipeline  *pipeline.Pipeline
	cache     *cache.QueryCache
	queryLog  querylog.Log

	closers []func() error
}

// newApp wires the components from cfg. reg may be nil. The cache sweep
// runs until ctx ends or close is called.
func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (_ *app, err error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.warehouse, err = warehouse.Open(cfg.DBPath, false, logger)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	a.closers = append(a.closers, a.warehouse.Close)

	a.llm, err = llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}
	a.pipeline = pipeline.New(a.llm, a.warehouse, logger)

	if cfg.Cache.Enabled {
		metrics := cache.NewMetrics("shopquery")
		a.cache = cache.New(cache.Options{
			MaxSize:           cfg.Cache.MaxSize,
			TTL:               cfg.Cache.TTL,
			CleanupInterval:   cfg.Cache.CleanupInterval,
			MaxEntryBytes:     cfg.Cache.MaxEntryBytes,
			ResetStatsOnClear: cfg.Cache.ResetStatsOnClear,
			SingleFlight:      cfg.Cache.SingleFlight,
			Logger:            logger,
			Metrics:           metrics,
		})
		a.closers = append(a.closers, a.cache.Close)
		if reg != nil {
			if err := metrics.Register(reg, a.cache); err != nil {
				return nil, fmt.Errorf("register cache metrics: %w", err)
			}
		}
		a.cache.Start(ctx)
	} else {
		logger.Info("response cache disabled")
	}

	if cfg.QueryLog.Enabled {
		ql, err := querylog.New(cfg.QueryLog.DBPath, cfg.QueryLog.RetentionDays, logger)
		if err != nil {
			return nil, fmt.Errorf("init query log: %w", err)
		}
		a.closers = append(a.closers, ql.Close)
		a.queryLog = ql
	}
	return a, nil
}

// close releases components in reverse order of creation.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
