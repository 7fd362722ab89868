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
	"log/slog"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/search"
)

// WorkerConfig holds the tunables of a worker.
type WorkerConfig struct {
	// ID identifies the worker in logs.
	ID int

	// ReuseBudget bounds the candidates of one reuse attempt.
	ReuseBudget int

	// StrategyBudget is passed to every other strategy.
	StrategyBudget int

	// LongFuzzTime is the dequeue count after which a condition's state
	// advances regardless of state.
	LongFuzzTime int
}

// Worker processes conditions one at a time.
//
// Thread Safety: A Worker is used by one goroutine. Several workers may
// share a Depot and a Store.
type Worker struct {
	cfg        WorkerConfig
	depot      Depot
	store      *pattern.Store
	strategies map[search.Kind]search.Strategy
	logger     *slog.Logger
}

// NewWorker creates a worker.
//
// strategies maps each kind to its implementation; kinds without one are
// logged and skipped when selected. Zero budgets and long-fuzz time fall
// back to search.DefaultBudget and cond.DefaultLongFuzzTime.
func NewWorker(cfg WorkerConfig, depot Depot, store *pattern.Store, strategies map[search.Kind]search.Strategy, logger *slog.Logger) *Worker {
	if cfg.ReuseBudget <= 0 {
		cfg.ReuseBudget = search.DefaultBudget
	}
	if cfg.StrategyBudget <= 0 {
		cfg.StrategyBudget = search.DefaultBudget
	}
	if cfg.LongFuzzTime <= 0 {
		cfg.LongFuzzTime = cond.DefaultLongFuzzTime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		depot:      depot,
		store:      store,
		strategies: strategies,
		logger:     logger.With(slog.Int("worker", cfg.ID)),
	}
}

// Run processes conditions until the queue is exhausted, a done-priority
// entry is dequeued or ctx is cancelled.
//
// Outputs:
//
//	error - ctx.Err() when cancelled, nil otherwise.
func (w *Worker) Run(ctx context.Context) error {
	processed := 0
	defer func() {
		w.logger.Info("worker stopped", slog.Int("processed", processed))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, prio, ok := w.depot.Next(ctx)
		if !ok {
			return nil
		}
		if prio.IsDone() {
			w.depot.Update(c)
			return nil
		}
		if c.IsDone() {
			w.depot.Update(c)
			continue
		}

		w.Step(ctx, c)
		w.depot.Update(c)
		processed++
	}
}

// Step applies one round of mutation to c.
//
// Description:
//
//	Counts the dequeue, harvests the values of c's input into the store
//	and dispatches by fuzz type. Exploration and exploitation try reuse
//	first and fall through to the state's strategy only when reuse does
//	not solve the condition.
//
// Thread Safety: c must be owned by the caller.
func (w *Worker) Step(ctx context.Context, c *cond.Condition) {
	c.FuzzTimes++
	buf := w.depot.InputBuffer(c.Base.Belong)
	w.store.AddFromCondition(ctx, c, buf)

	fuzzType := c.FuzzType()
	w.logger.Debug("fuzzing condition",
		slog.String("cond", c.Identity().String()),
		slog.String("type", string(fuzzType)),
		slog.String("state", c.State.String()))

	switch fuzzType {
	case cond.FuzzExplore:
		if w.reuse(ctx, c, buf) {
			return
		}
		if c.IsTimeExpired(w.cfg.LongFuzzTime) {
			c.NextState()
		}
		switch c.State {
		case cond.StateOneByte:
			w.dispatch(ctx, search.KindOneByte, c, buf)
		case cond.StateDeterministic:
			w.dispatch(ctx, search.KindDeterministic, c, buf)
		default:
			w.dispatch(ctx, search.KindSearch, c, buf)
		}

	case cond.FuzzExploit:
		if w.reuse(ctx, c, buf) {
			return
		}
		if c.State == cond.StateOneByte {
			w.dispatch(ctx, search.KindOneByte, c, buf)
			c.ToUnsolvable()
		} else {
			w.dispatch(ctx, search.KindExploit, c, buf)
		}

	case cond.FuzzAFL:
		w.dispatch(ctx, search.KindAFL, c, buf)
	case cond.FuzzLen:
		w.dispatch(ctx, search.KindLength, c, buf)
	case cond.FuzzCmpFn:
		w.dispatch(ctx, search.KindCmpFn, c, buf)

	default:
		w.logger.Warn("unknown fuzz type", slog.String("cond", c.Identity().String()))
	}
}

func (w *Worker) reuse(ctx context.Context, c *cond.Condition, buf []byte) bool {
	out, ran := w.run(ctx, search.KindReuse, c, buf, w.cfg.ReuseBudget)
	if ran && out.Solved {
		w.logger.Info("condition solved by reuse, skipping other mutations",
			slog.String("cond", c.Identity().String()))
		return true
	}
	return false
}

func (w *Worker) dispatch(ctx context.Context, kind search.Kind, c *cond.Condition, buf []byte) {
	w.run(ctx, kind, c, buf, w.cfg.StrategyBudget)
}

func (w *Worker) run(ctx context.Context, kind search.Kind, c *cond.Condition, buf []byte, budget int) (search.Outcome, bool) {
	s, ok := w.strategies[kind]
	if !ok || s == nil {
		w.logger.Debug("no strategy registered, skipping", slog.String("kind", kind.String()))
		return search.Outcome{}, false
	}

	out := s.Attempt(ctx, c, buf, budget)
	if out.Solution != nil && len(out.Mutated) > 0 {
		w.store.AddFiltered(ctx, c, out.Solution, out.Mutated)
	}
	return out, true
}
