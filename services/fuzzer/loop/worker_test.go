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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/search"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// =============================================================================
// Test Helpers
// =============================================================================

type entry struct {
	c    *cond.Condition
	prio Priority
}

// memDepot serves a fixed list of entries once each.
type memDepot struct {
	mu      sync.Mutex
	queue   []entry
	updated []*cond.Condition
	inputs  map[uint32][]byte
}

func (d *memDepot) Next(context.Context) (*cond.Condition, Priority, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, 0, false
	}
	e := d.queue[0]
	d.queue = d.queue[1:]
	return e.c, e.prio, true
}

func (d *memDepot) Update(c *cond.Condition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updated = append(d.updated, c)
}

func (d *memDepot) InputBuffer(id uint32) []byte {
	return append([]byte(nil), d.inputs[id]...)
}

// recordingStrategy remembers which conditions it saw.
type recordingStrategy struct {
	kind   search.Kind
	mu     sync.Mutex
	calls  int
	result search.Outcome
	onCall func(c *cond.Condition)
}

func (s *recordingStrategy) Kind() search.Kind { return s.kind }

func (s *recordingStrategy) Attempt(_ context.Context, c *cond.Condition, _ []byte, _ int) search.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(c)
	}
	return s.result
}

func strategies(ss ...*recordingStrategy) map[search.Kind]search.Strategy {
	out := make(map[search.Kind]search.Strategy, len(ss))
	for _, s := range ss {
		out[s.kind] = s
	}
	return out
}

var segs52 = []segment.Segment{{Begin: 0, End: 5}, {Begin: 8, End: 10}}

func newCond(cmpID uint32) *cond.Condition {
	return cond.New(cond.Base{CmpID: cmpID, Belong: 1}, segs52, nil)
}

func newDepot(entries ...entry) *memDepot {
	return &memDepot{
		queue:  entries,
		inputs: map[uint32][]byte{1: []byte("abcdefghij")},
	}
}

// =============================================================================
// Worker Tests
// =============================================================================

func TestStep_HarvestsInput(t *testing.T) {
	store := pattern.NewStore()
	w := NewWorker(WorkerConfig{}, newDepot(), store, nil, nil)

	c := newCond(1)
	w.Step(context.Background(), c)

	assert.Equal(t, 1, c.FuzzTimes)
	patterns, records := store.Stats()
	assert.Equal(t, 3, patterns)
	assert.Equal(t, 3, records)
}

func TestStep_ExploreReuseSolvesSkipsOthers(t *testing.T) {
	reuse := &recordingStrategy{kind: search.KindReuse, result: search.Outcome{Solved: true}}
	searchS := &recordingStrategy{kind: search.KindSearch}
	w := NewWorker(WorkerConfig{}, newDepot(), pattern.NewStore(), strategies(reuse, searchS), nil)

	w.Step(context.Background(), newCond(1))
	assert.Equal(t, 1, reuse.calls)
	assert.Equal(t, 0, searchS.calls)
}

func TestStep_ExploreFallsThroughByState(t *testing.T) {
	tests := []struct {
		name      string
		state     cond.State
		fuzzTimes int
		want      search.Kind
	}{
		{name: "offset searches", state: cond.StateOffset, want: search.KindSearch},
		{name: "first one-byte stays", state: cond.StateOneByte, want: search.KindOneByte},
		{name: "deterministic first time", state: cond.StateDeterministic, want: search.KindDeterministic},
		// Second visit to deterministic expires into reusing, which searches.
		{name: "deterministic expired", state: cond.StateDeterministic, fuzzTimes: 1, want: search.KindSearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reuse := &recordingStrategy{kind: search.KindReuse}
			oneByte := &recordingStrategy{kind: search.KindOneByte}
			det := &recordingStrategy{kind: search.KindDeterministic}
			searchS := &recordingStrategy{kind: search.KindSearch}
			w := NewWorker(WorkerConfig{}, newDepot(), pattern.NewStore(),
				strategies(reuse, oneByte, det, searchS), nil)

			c := newCond(1)
			c.State = tt.state
			c.FuzzTimes = tt.fuzzTimes
			w.Step(context.Background(), c)

			assert.Equal(t, 1, reuse.calls)
			got := map[search.Kind]int{
				search.KindOneByte:       oneByte.calls,
				search.KindDeterministic: det.calls,
				search.KindSearch:        searchS.calls,
			}
			for kind, calls := range got {
				if kind == tt.want {
					assert.Equal(t, 1, calls, kind.String())
				} else {
					assert.Equal(t, 0, calls, kind.String())
				}
			}
		})
	}
}

func TestStep_ExploitOneByteBecomesUnsolvable(t *testing.T) {
	reuse := &recordingStrategy{kind: search.KindReuse}
	oneByte := &recordingStrategy{kind: search.KindOneByte}
	exploit := &recordingStrategy{kind: search.KindExploit}
	w := NewWorker(WorkerConfig{}, newDepot(), pattern.NewStore(), strategies(reuse, oneByte, exploit), nil)

	c := newCond(1)
	c.Exploitable = true
	c.State = cond.StateOneByte
	w.Step(context.Background(), c)
	assert.Equal(t, 1, oneByte.calls)
	assert.Equal(t, cond.StateUnsolvable, c.State)

	c = newCond(2)
	c.Exploitable = true
	w.Step(context.Background(), c)
	assert.Equal(t, 1, exploit.calls)
	assert.Equal(t, 2, reuse.calls)
}

func TestStep_OperatorKinds(t *testing.T) {
	tests := []struct {
		op   uint32
		kind search.Kind
	}{
		{cond.OpAFL, search.KindAFL},
		{cond.OpLen, search.KindLength},
		{cond.OpCmpFn, search.KindCmpFn},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			reuse := &recordingStrategy{kind: search.KindReuse}
			s := &recordingStrategy{kind: tt.kind}
			w := NewWorker(WorkerConfig{}, newDepot(), pattern.NewStore(), strategies(reuse, s), nil)

			c := newCond(1)
			c.Base.Op = tt.op
			w.Step(context.Background(), c)
			assert.Equal(t, 1, s.calls)
			assert.Equal(t, 0, reuse.calls)
		})
	}
}

func TestStep_MissingStrategyIsSkipped(t *testing.T) {
	w := NewWorker(WorkerConfig{}, newDepot(), pattern.NewStore(), nil, nil)
	c := newCond(1)
	assert.NotPanics(t, func() { w.Step(context.Background(), c) })
}

func TestStep_SolutionFeedsStore(t *testing.T) {
	store := pattern.NewStore()
	searchS := &recordingStrategy{
		kind: search.KindSearch,
		result: search.Outcome{
			Solution: []byte("ABCDEFGHIJ"),
			Mutated:  []uint32{1},
		},
	}
	w := NewWorker(WorkerConfig{}, newDepot(), store, strategies(searchS), nil)

	w.Step(context.Background(), newCond(1))
	assert.Equal(t, 2, store.Count(segment.Fingerprint{5, 2}))

	// Mutations outside the condition's offsets are not harvested.
	store2 := pattern.NewStore()
	searchS.result.Mutated = []uint32{6}
	w = NewWorker(WorkerConfig{}, newDepot(), store2, strategies(searchS), nil)
	w.Step(context.Background(), newCond(1))
	assert.Equal(t, 1, store2.Count(segment.Fingerprint{5, 2}))
}

// inputExecutor records every candidate it is asked to run.
type inputExecutor struct {
	counters accounting.Counters
	runs     []string
}

func (e *inputExecutor) Run(_ context.Context, buf []byte, _ *cond.Condition) accounting.Status {
	e.counters.CountExec()
	e.runs = append(e.runs, string(buf))
	return accounting.StatusNormal
}

func (e *inputExecutor) Counters() *accounting.Counters { return &e.counters }

func TestStep_ReuseDoesNotReplayOwnInput(t *testing.T) {
	c := cond.New(cond.Base{CmpID: 3, Belong: 7}, []segment.Segment{{Begin: 0, End: 5}}, nil)
	depot := newDepot()
	depot.inputs[7] = []byte("hello")
	store := pattern.NewStore()
	exec := &inputExecutor{}
	engine := search.NewEngine(store, usage.NewTracker(nil), exec)

	w := NewWorker(WorkerConfig{}, depot, store,
		map[search.Kind]search.Strategy{search.KindReuse: engine}, nil)
	w.Step(context.Background(), c)

	assert.Equal(t, 1, store.Count(segment.Fingerprint{5}), "input is still harvested")
	assert.NotContains(t, exec.runs, "hello")
	assert.Empty(t, exec.runs)
}

func TestRun_StopsOnDonePriority(t *testing.T) {
	reuse := &recordingStrategy{kind: search.KindReuse}
	done := newCond(2)
	done.MarkDone()

	depot := newDepot(
		entry{c: done, prio: 1},
		entry{c: newCond(1), prio: 1},
		entry{c: newCond(3), prio: PriorityDone},
		entry{c: newCond(4), prio: 1},
	)
	w := NewWorker(WorkerConfig{}, depot, pattern.NewStore(), strategies(reuse), nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 1, reuse.calls, "done condition skipped, stop at done priority")
	assert.Len(t, depot.updated, 3)
	assert.Len(t, depot.queue, 1)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	depot := newDepot(entry{c: newCond(1), prio: 1})
	w := NewWorker(WorkerConfig{}, depot, pattern.NewStore(), nil, nil)
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Len(t, depot.queue, 1)
}

// =============================================================================
// Pool Tests
// =============================================================================

type countingExecutor struct {
	counters accounting.Counters
}

func (e *countingExecutor) Run(context.Context, []byte, *cond.Condition) accounting.Status {
	e.counters.CountExec()
	return accounting.StatusNormal
}

func (e *countingExecutor) Counters() *accounting.Counters { return &e.counters }

func TestPool_RunsAllConditions(t *testing.T) {
	var entries []entry
	for i := 0; i < 20; i++ {
		entries = append(entries, entry{c: newCond(uint32(i)), prio: 1})
	}
	depot := newDepot(entries...)
	store := pattern.NewStore()
	tracker := usage.NewTracker(nil)

	var mu sync.Mutex
	execs := make(map[int]*countingExecutor)
	newExec := func(id int) (search.Executor, error) {
		e := &countingExecutor{}
		mu.Lock()
		execs[id] = e
		mu.Unlock()
		return e, nil
	}

	pool, err := NewPool(PoolConfig{Workers: 4}, depot, store, tracker, newExec, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, pool.Size())
	require.NoError(t, pool.Run(context.Background()))

	assert.Len(t, depot.updated, 20)
	// Every condition shares the same input, so reuse found one record.
	rows := tracker.Fingerprints()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(20), rows[0].Invocations)
	for id, e := range execs {
		assert.Zero(t, e.counters.Snapshot().Execs, "worker %d counters restored", id)
	}
}

func TestNewPool_Errors(t *testing.T) {
	_, err := NewPool(PoolConfig{}, newDepot(), pattern.NewStore(), usage.NewTracker(nil), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)

	boom := errors.New("boom")
	_, err = NewPool(PoolConfig{Workers: 1}, newDepot(), pattern.NewStore(), usage.NewTracker(nil),
		func(int) (search.Executor, error) { return nil, boom }, nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestPoolConfigFrom(t *testing.T) {
	fuzz := config.Default().Fuzz
	fuzz.Workers = 3
	fuzz.LongFuzzTime = 5

	pc := PoolConfigFrom(fuzz)
	assert.Equal(t, 3, pc.Workers)
	assert.Equal(t, fuzz.ReuseBudget, pc.Worker.ReuseBudget)
	assert.Equal(t, fuzz.StrategyBudget, pc.Worker.StrategyBudget)
	assert.Equal(t, 5, pc.Worker.LongFuzzTime)
}

func TestNewPoolFromConfig(t *testing.T) {
	fuzz := config.Default().Fuzz
	fuzz.Workers = 2
	depot := newDepot(entry{c: newCond(1), prio: 1}, entry{c: newCond(2), prio: 1})
	tracker := usage.NewTracker(nil)

	pool, err := NewPoolFromConfig(fuzz, depot, pattern.NewStore(), tracker,
		func(int) (search.Executor, error) { return &countingExecutor{}, nil }, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
	require.NoError(t, pool.Run(context.Background()))

	assert.Len(t, depot.updated, 2)
	require.Len(t, tracker.Conditions(), 2)

	fuzz.Workers = 0
	_, err = NewPoolFromConfig(fuzz, depot, pattern.NewStore(), tracker, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)
}
