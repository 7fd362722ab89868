// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// DefaultBudget is the iteration budget used when a caller passes none.
const DefaultBudget = 100

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRand sets the source for stage-2 selection.
func WithRand(r *rand.Rand) EngineOption {
	return func(e *Engine) {
		e.rnd = r
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSkip sets a predicate polled between candidates; true ends the attempt.
func WithSkip(skip func() bool) EngineOption {
	return func(e *Engine) {
		e.skip = skip
	}
}

// Engine replays and recombines learned values against a condition.
//
// Description:
//
//	Stage 1 replays records stored under the condition's exact fingerprint,
//	oldest first, resuming where the previous attempt on the same
//	condition stopped. Stage 2 builds candidates by drawing one value per
//	segment from the singleton pools of each segment length. All
//	executions are kept out of the executor's counters and credited to the
//	usage tracker instead.
//
// Thread Safety: Not safe for concurrent use. Each worker owns one Engine
// bound to its own Executor; Store and Tracker may be shared.
type Engine struct {
	store   *pattern.Store
	tracker *usage.Tracker
	exec    Executor
	rnd     *rand.Rand
	skip    func() bool
	logger  *slog.Logger
}

// NewEngine creates a reuse engine.
func NewEngine(store *pattern.Store, tracker *usage.Tracker, exec Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		tracker: tracker,
		exec:    exec,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Kind returns KindReuse.
func (e *Engine) Kind() Kind {
	return KindReuse
}

// AttemptReuse tries to solve c with learned values and reports success.
func (e *Engine) AttemptReuse(ctx context.Context, c *cond.Condition, buf []byte, budget int) bool {
	return e.Attempt(ctx, c, buf, budget).Solved
}

type stageResult struct {
	stage1   int
	stage2   int
	solvedBy usage.Stage
	solution []byte
	values   [][]byte
}

// Attempt runs both reuse stages against c.
//
// Description:
//
//	Returns immediately when c is already done or has no taint offsets.
//	Otherwise runs stage 1 and, when budget remains and the fingerprint has
//	at least two segments, stage 2. Usage statistics are updated on every
//	attempt that reaches stage 1, whatever the outcome. A solution found by
//	stage 2 is stored as a new record of the full fingerprint.
//
// Inputs:
//
//	ctx - Cancellation ends the attempt between candidates.
//	c - The condition. Its cursors are advanced; it may be marked done by
//	    the executor.
//	buf - The input to mutate. Not modified.
//	budget - Maximum candidates across both stages; <= 0 uses DefaultBudget.
//
// Outputs:
//
//	Outcome - Solved, dispatched candidates, the solving buffer and the
//	          written offsets.
//
// Thread Safety: See Engine.
func (e *Engine) Attempt(ctx context.Context, c *cond.Condition, buf []byte, budget int) Outcome {
	if c.IsDone() {
		return Outcome{}
	}

	combined := c.CombinedOffsets()
	fp := segment.FingerprintOf(combined)
	if len(fp) == 0 {
		return Outcome{}
	}
	merged := segment.MergeContiguous(combined)
	if budget <= 0 {
		budget = DefaultBudget
	}

	ctx, span := startReuseSpan(ctx, c.Identity().String(), fp.String())
	defer span.End()

	h := NewHandler(ctx, e.exec, c, buf, e.skip, e.logger)
	current := segment.ExtractValues(merged, buf)
	var res stageResult
	work := func() {
		res = e.run(ctx, h, c, fp, merged, current, budget)
	}

	var delta accounting.Snapshot
	if counters := e.exec.Counters(); counters != nil {
		delta = accounting.IsolateCounters(counters, e.tracker.AddReuseExecs, work)
	} else {
		work()
	}

	if res.solvedBy == usage.StageCombine {
		e.store.Add(ctx, fp, merged, res.values, c.Identity(), c.Base.Belong)
	}

	e.tracker.Update(usage.Attempt{
		Fingerprint:  fp,
		Identity:     c.Identity(),
		TotalRecords: e.store.Count(fp),
		Cursor:       c.RecordCursor(fp),
		Stage1:       res.stage1,
		Stage2:       res.stage2,
		Executions:   delta.Execs,
		SolvedBy:     res.solvedBy,
	})

	stage := ""
	if res.solvedBy != usage.StageNone {
		stage = res.solvedBy.String()
		e.logger.Info("condition solved by reuse",
			slog.String("cond", c.Identity().String()),
			slog.String("fingerprint", fp.String()),
			slog.String("stage", stage))
	}
	recordAttempt(ctx, len(fp), h.Executions(), stage)
	span.SetAttributes(
		attribute.Int("reuse.stage1", res.stage1),
		attribute.Int("reuse.stage2", res.stage2),
		attribute.Bool("reuse.solved", res.solvedBy != usage.StageNone),
	)

	return Outcome{
		Solved:     res.solvedBy != usage.StageNone,
		Executions: h.Executions(),
		Solution:   res.solution,
		Mutated:    h.Mutated(),
	}
}

func (e *Engine) run(ctx context.Context, h *Handler, c *cond.Condition, fp segment.Fingerprint, merged []segment.Segment, current [][]byte, budget int) stageResult {
	var res stageResult

	// Stage 1. Records are fetched one at a time so the cursor only ever
	// covers records that were actually tried. A record holding the values
	// the input already has would replay the input unchanged; it is passed
	// over without spending budget.
	for processed := 0; processed < budget; {
		if h.Stopped() {
			return res
		}
		recs := e.store.GetNext(ctx, c, fp, 1)
		if len(recs) == 0 {
			break
		}
		if pattern.SameValues(recs[0].CriticalValues, current) {
			continue
		}
		processed++
		if !h.Splice(merged, recs[0].CriticalValues) {
			e.logger.Debug("skipping record with mismatched shape",
				slog.String("fingerprint", fp.String()),
				slog.Int("values", len(recs[0].CriticalValues)))
			continue
		}
		h.Execute()
		res.stage1++
		if c.IsDone() {
			res.solvedBy = usage.StageReplay
			res.solution = h.Buffer()
			return res
		}
	}

	remaining := budget - res.stage1
	if remaining <= 0 || len(merged) < 2 {
		return res
	}

	// Stage 2.
	pools := make([][][]byte, len(merged))
	for i, seg := range merged {
		pools[i] = e.store.Pool(ctx, seg.Len())
		if len(pools[i]) == 0 {
			e.logger.Debug("no singleton pool, skipping recombination",
				slog.String("fingerprint", fp.String()),
				slog.Int("segment_len", int(seg.Len())))
			return res
		}
	}
	c.EnsureSegmentDraws(len(merged))

	values := make([][]byte, len(merged))
	for i := 0; i < remaining; i++ {
		if h.Stopped() {
			return res
		}
		for j, pool := range pools {
			values[j] = pool[e.rnd.IntN(len(pool))]
			c.AddSegmentDraws(j, 1)
		}
		if pattern.SameValues(values, current) {
			continue
		}
		h.Splice(merged, values)
		h.Execute()
		res.stage2++
		if c.IsDone() {
			res.solvedBy = usage.StageCombine
			res.solution = h.Buffer()
			res.values = make([][]byte, len(values))
			for j, v := range values {
				res.values[j] = append([]byte(nil), v...)
			}
			return res
		}
	}
	return res
}
