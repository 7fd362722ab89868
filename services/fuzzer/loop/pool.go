// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/search"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// ExecutorFactory creates the executor owned by worker id.
type ExecutorFactory func(id int) (search.Executor, error)

// StrategyFactory returns the non-reuse strategies of worker id, bound to
// that worker's executor. May return nil.
type StrategyFactory func(id int, exec search.Executor) map[search.Kind]search.Strategy

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers int
	Worker  WorkerConfig

	// EngineOptions are applied to every worker's reuse engine.
	EngineOptions []search.EngineOption
}

// PoolConfigFrom maps the fuzz section of the service configuration.
func PoolConfigFrom(cfg config.FuzzConfig) PoolConfig {
	return PoolConfig{
		Workers: cfg.Workers,
		Worker: WorkerConfig{
			ReuseBudget:    cfg.ReuseBudget,
			StrategyBudget: cfg.StrategyBudget,
			LongFuzzTime:   cfg.LongFuzzTime,
		},
	}
}

// NewPoolFromConfig builds a pool sized and budgeted by the fuzz section of
// the service configuration.
//
// Inputs:
//
//	cfg - Worker count and budgets.
//	depot - Shared condition queue supplied by the host process.
//	store - Shared pattern store.
//	tracker - Shared usage tracker.
//	newExec - Creates one executor per worker.
//	newStrategies - Creates the non-reuse strategies per worker. May be nil.
//	logger - Logger. nil uses slog.Default().
//	opts - Options applied to every reuse engine.
//
// Outputs:
//
//	*Pool - The pool, ready to Run.
//	error - ErrNoWorkers, or an executor construction error.
func NewPoolFromConfig(cfg config.FuzzConfig, depot Depot, store *pattern.Store, tracker *usage.Tracker, newExec ExecutorFactory, newStrategies StrategyFactory, logger *slog.Logger, opts ...search.EngineOption) (*Pool, error) {
	pc := PoolConfigFrom(cfg)
	pc.EngineOptions = opts
	return NewPool(pc, depot, store, tracker, newExec, newStrategies, logger)
}

// Pool runs a set of workers against one depot.
//
// Every worker owns its executor and reuse engine; the store and the usage
// tracker are shared.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool builds cfg.Workers workers.
//
// Inputs:
//
//	cfg - Pool configuration. cfg.Worker.ID is overwritten per worker.
//	depot - Shared work queue.
//	store - Shared pattern store.
//	tracker - Shared usage tracker.
//	newExec - Creates each worker's executor.
//	newStrategies - Creates each worker's other strategies. May be nil.
//	logger - Logger; nil uses slog.Default().
//
// Outputs:
//
//	*Pool - The pool.
//	error - ErrNoWorkers, or the first executor construction error.
func NewPool(cfg PoolConfig, depot Depot, store *pattern.Store, tracker *usage.Tracker, newExec ExecutorFactory, newStrategies StrategyFactory, logger *slog.Logger) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, ErrNoWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{logger: logger}
	for id := 0; id < cfg.Workers; id++ {
		exec, err := newExec(id)
		if err != nil {
			return nil, fmt.Errorf("create executor %d: %w", id, err)
		}

		strategies := make(map[search.Kind]search.Strategy)
		if newStrategies != nil {
			for k, s := range newStrategies(id, exec) {
				strategies[k] = s
			}
		}
		opts := append([]search.EngineOption{search.WithEngineLogger(logger)}, cfg.EngineOptions...)
		strategies[search.KindReuse] = search.NewEngine(store, tracker, exec, opts...)

		wcfg := cfg.Worker
		wcfg.ID = id
		p.workers = append(p.workers, NewWorker(wcfg, depot, store, strategies, logger))
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts every worker and waits for all of them.
//
// A worker error cancels the others. Returns the first error, which is
// ctx's error when the pool was cancelled from outside.
func (p *Pool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	err := g.Wait()
	p.logger.Info("fuzz pool stopped", slog.Int("workers", len(p.workers)))
	return err
}
