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
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeExecutor records every candidate and marks the condition done when
// solves returns true.
type fakeExecutor struct {
	counters accounting.Counters
	solves   func(buf []byte) bool
	afterRun func()
	runs     [][]byte
}

func (f *fakeExecutor) Run(_ context.Context, buf []byte, c *cond.Condition) accounting.Status {
	f.counters.CountExec()
	f.runs = append(f.runs, buf)
	if f.solves != nil && f.solves(buf) {
		c.MarkDone()
		f.counters.CountStatus(accounting.StatusNormal)
	}
	if f.afterRun != nil {
		f.afterRun()
	}
	return accounting.StatusNormal
}

func (f *fakeExecutor) Counters() *accounting.Counters {
	return &f.counters
}

var (
	donorSegs  = []segment.Segment{{Begin: 0, End: 5}, {Begin: 8, End: 10}}
	targetSegs = []segment.Segment{{Begin: 2, End: 7}, {Begin: 9, End: 11}}
	fp52       = segment.Fingerprint{5, 2}
)

// seedDonors harvests "abcde"/"ij" and "ABCDE"/"IJ" under [5 2], which also
// fills the [5] and [2] singleton pools.
func seedDonors(t *testing.T, store *pattern.Store) {
	t.Helper()
	ctx := context.Background()
	donor := cond.New(cond.Base{CmpID: 100, Belong: 1}, donorSegs, nil)
	require.Equal(t, 3, store.AddFromCondition(ctx, donor, []byte("abcdefghij")))
	donor.Base.Belong = 2
	require.Equal(t, 3, store.AddFromCondition(ctx, donor, []byte("ABCDEFGHIJ")))
}

// wants returns a predicate matching candidates holding v1 at [2,7) and v2 at [9,11).
func wants(v1, v2 string) func([]byte) bool {
	return func(buf []byte) bool {
		return len(buf) >= 11 &&
			bytes.Equal(buf[2:7], []byte(v1)) &&
			bytes.Equal(buf[9:11], []byte(v2))
	}
}

func newTarget() *cond.Condition {
	return cond.New(cond.Base{CmpID: 7, Context: 1, Belong: 9}, targetSegs, nil)
}

func newEngine(store *pattern.Store, tracker *usage.Tracker, exec Executor, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return NewEngine(store, tracker, exec, opts...)
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestAttempt_DoneConditionIsNoOp(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	tracker := usage.NewTracker(nil)
	exec := &fakeExecutor{}

	c := newTarget()
	c.MarkDone()

	out := newEngine(store, tracker, exec).Attempt(context.Background(), c, []byte{0}, 10)
	assert.False(t, out.Solved)
	assert.Empty(t, exec.runs)
	assert.Empty(t, tracker.Fingerprints())
}

func TestAttempt_NoOffsets(t *testing.T) {
	exec := &fakeExecutor{}
	c := cond.New(cond.Base{CmpID: 1}, nil, nil)
	solved := newEngine(pattern.NewStore(), usage.NewTracker(nil), exec).
		AttemptReuse(context.Background(), c, []byte{0}, 10)
	assert.False(t, solved)
	assert.Empty(t, exec.runs)
}

func TestAttempt_Stage1Replay(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	tracker := usage.NewTracker(nil)
	exec := &fakeExecutor{solves: wants("ABCDE", "IJ")}

	c := newTarget()
	input := []byte{1, 2, 3, 4}
	out := newEngine(store, tracker, exec).Attempt(context.Background(), c, input, 10)

	require.True(t, out.Solved)
	assert.Equal(t, 2, out.Executions)
	require.Len(t, exec.runs, 2)

	// Values land at the condition's own positions; the buffer grows with zeros.
	assert.Equal(t, []byte{1, 2, 'a', 'b', 'c', 'd', 'e', 0, 0, 'i', 'j'}, exec.runs[0])
	assert.Equal(t, []byte{1, 2, 'A', 'B', 'C', 'D', 'E', 0, 0, 'I', 'J'}, out.Solution)
	assert.Equal(t, []uint32{2, 3, 4, 5, 6, 9, 10}, out.Mutated)
	assert.Equal(t, []byte{1, 2, 3, 4}, input, "caller buffer untouched")
	assert.Equal(t, 2, c.RecordCursor(fp52))

	rows := tracker.Fingerprints()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].Successes)
	assert.Equal(t, uint64(0), rows[0].CombinedSuccesses)
	assert.Equal(t, uint64(2), rows[0].Stage1Attempts)
	assert.Equal(t, 2, rows[0].TotalRecords)
	assert.Equal(t, 2, rows[0].MaxCursor)
}

func TestAttempt_CountersIsolated(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	tracker := usage.NewTracker(nil)
	exec := &fakeExecutor{solves: wants("ABCDE", "IJ")}
	for i := 0; i < 5; i++ {
		exec.counters.CountExec()
	}
	before := exec.counters.Snapshot()

	require.True(t, newEngine(store, tracker, exec).AttemptReuse(context.Background(), newTarget(), nil, 10))

	assert.Equal(t, before, exec.counters.Snapshot())
	assert.Equal(t, accounting.Snapshot{Execs: 2, Inputs: 1}, tracker.ReuseTotals())
	assert.Equal(t, uint64(2), tracker.Fingerprints()[0].Executions)
}

func TestAttempt_Stage2Recombination(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	tracker := usage.NewTracker(nil)
	// Never observed together; only recombination can produce it.
	exec := &fakeExecutor{solves: wants("ABCDE", "ij")}

	c := newTarget()
	out := newEngine(store, tracker, exec).Attempt(context.Background(), c, nil, 100)

	require.True(t, out.Solved)
	assert.Greater(t, out.Executions, 2)
	assert.Equal(t, "ABCDE", string(out.Solution[2:7]))
	assert.Equal(t, "ij", string(out.Solution[9:11]))

	draws := out.Executions - 2
	assert.Equal(t, []int{draws, draws}, c.SegmentDraws)

	// The solution is learned as a whole-fingerprint record.
	assert.Equal(t, 3, store.Count(fp52))

	row := tracker.Fingerprints()[0]
	assert.Equal(t, uint64(1), row.CombinedSuccesses)
	assert.Equal(t, uint64(1), row.Successes)
	assert.Equal(t, uint64(2), row.Stage1Attempts)
	assert.Equal(t, uint64(draws), row.Stage2Attempts)
	assert.Equal(t, 3, row.TotalRecords)
}

func TestAttempt_Stage2DrawsFromPools(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	ctx := context.Background()
	origin := cond.Identity{CmpID: 200}
	one5 := []segment.Segment{{Begin: 0, End: 5}}
	one2 := []segment.Segment{{Begin: 0, End: 2}}
	store.Add(ctx, segment.Fingerprint{5}, one5, [][]byte{[]byte("zzzzz")}, origin, 3)
	store.Add(ctx, segment.Fingerprint{2}, one2, [][]byte{[]byte("qq")}, origin, 3)
	store.Add(ctx, segment.Fingerprint{2}, one2, [][]byte{[]byte("rr")}, origin, 3)

	pool5 := map[string]bool{"abcde": true, "ABCDE": true, "zzzzz": true}
	pool2 := map[string]bool{"ij": true, "IJ": true, "qq": true, "rr": true}

	exec := &fakeExecutor{}
	c := newTarget()
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)

	assert.False(t, out.Solved)
	require.Len(t, exec.runs, 10, "stage 1 uses 2, stage 2 the remaining 8")
	for _, run := range exec.runs[2:] {
		assert.True(t, pool5[string(run[2:7])], "unexpected value %q", run[2:7])
		assert.True(t, pool2[string(run[9:11])], "unexpected value %q", run[9:11])
	}
	assert.Equal(t, []int{8, 8}, c.SegmentDraws)
}

func TestAttempt_Stage2NeedsEveryPool(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	// Stored without singleton sub-records.
	store.Add(ctx, fp52, donorSegs, [][]byte{[]byte("abcde"), []byte("ij")}, cond.Identity{}, 1)

	exec := &fakeExecutor{}
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, newTarget(), nil, 10)
	assert.False(t, out.Solved)
	assert.Len(t, exec.runs, 1)
}

func TestAttempt_SingleSegmentSkipsStage2(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	segs := []segment.Segment{{Begin: 0, End: 5}}
	store.Add(ctx, segment.Fingerprint{5}, segs, [][]byte{[]byte("hello")}, cond.Identity{}, 1)

	exec := &fakeExecutor{}
	c := cond.New(cond.Base{CmpID: 3}, segs, nil)
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)
	assert.Equal(t, 1, out.Executions)
	assert.Empty(t, c.SegmentDraws)
}

func TestAttempt_ResumesAcrossCalls(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	segs := []segment.Segment{{Begin: 0, End: 1}}
	for _, v := range []string{"a", "b", "c"} {
		store.Add(ctx, segment.Fingerprint{1}, segs, [][]byte{[]byte(v)}, cond.Identity{}, 1)
	}

	exec := &fakeExecutor{}
	c := cond.New(cond.Base{CmpID: 4}, segs, nil)
	e := newEngine(store, usage.NewTracker(nil), exec)

	assert.Equal(t, 2, e.Attempt(ctx, c, nil, 2).Executions)
	assert.Equal(t, 1, e.Attempt(ctx, c, nil, 2).Executions)
	assert.Equal(t, 0, e.Attempt(ctx, c, nil, 2).Executions)

	var seen []string
	for _, run := range exec.runs {
		seen = append(seen, string(run))
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen, "each record exactly once, oldest first")
	assert.Equal(t, 3, c.RecordCursor(segment.Fingerprint{1}))
}

func TestAttempt_Cancellation(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exec := &fakeExecutor{}
		c := newTarget()
		out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)
		assert.False(t, out.Solved)
		assert.Empty(t, exec.runs)
		assert.Equal(t, 0, c.RecordCursor(fp52))
	})

	t.Run("after first candidate", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exec := &fakeExecutor{afterRun: cancel}
		c := newTarget()
		out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)
		assert.Equal(t, 1, out.Executions)
		assert.Equal(t, 1, c.RecordCursor(fp52), "cursor covers only tried records")
	})
}

func TestAttempt_SkipPredicate(t *testing.T) {
	store := pattern.NewStore()
	seedDonors(t, store)
	exec := &fakeExecutor{}
	e := newEngine(store, usage.NewTracker(nil), exec, WithSkip(func() bool { return true }))
	assert.False(t, e.AttemptReuse(context.Background(), newTarget(), nil, 10))
	assert.Empty(t, exec.runs)
}

func TestAttempt_MismatchedRecordSkipped(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	store.Add(ctx, fp52, donorSegs, [][]byte{[]byte("abcde")}, cond.Identity{}, 1)
	store.Add(ctx, fp52, donorSegs, [][]byte{[]byte("ABCDE"), []byte("IJ")}, cond.Identity{}, 1)

	exec := &fakeExecutor{solves: wants("ABCDE", "IJ")}
	c := newTarget()
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)

	assert.True(t, out.Solved)
	assert.Equal(t, 1, out.Executions)
	assert.Equal(t, 2, c.RecordCursor(fp52))
}

func TestAttempt_SkipsRecordsMatchingInput(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	segs := []segment.Segment{{Begin: 0, End: 5}}
	input := []byte("hello")

	c := cond.New(cond.Base{CmpID: 8, Belong: 4}, segs, nil)
	store.AddFromCondition(ctx, c, input)
	store.Add(ctx, segment.Fingerprint{5}, segs, [][]byte{[]byte("world")}, cond.Identity{CmpID: 9}, 2)

	exec := &fakeExecutor{}
	tracker := usage.NewTracker(nil)
	out := newEngine(store, tracker, exec).Attempt(ctx, c, input, 1)

	require.Len(t, exec.runs, 1, "own input must not spend the budget")
	assert.Equal(t, []byte("world"), exec.runs[0])
	assert.Equal(t, 1, out.Executions)
	assert.Equal(t, 2, c.RecordCursor(segment.Fingerprint{5}))

	rows := tracker.Fingerprints()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].Stage1Attempts)
}

func TestAttempt_Stage2SkipsInputCombination(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	input := []byte("..abcde..ij")
	c := newTarget()
	// The only pooled values are the ones the input already carries.
	store.AddFromCondition(ctx, c, input)

	exec := &fakeExecutor{}
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, input, 5)
	assert.Empty(t, exec.runs)
	assert.False(t, out.Solved)
	assert.Equal(t, []int{5, 5}, c.SegmentDraws)
}

func TestAttempt_DualOperandUsesCombinedFingerprint(t *testing.T) {
	store := pattern.NewStore()
	ctx := context.Background()
	donor := cond.New(cond.Base{CmpID: 50, Belong: 1},
		[]segment.Segment{{Begin: 0, End: 4}}, []segment.Segment{{Begin: 6, End: 8}})
	store.AddFromCondition(ctx, donor, []byte("wxyz..uv"))

	c := cond.New(cond.Base{CmpID: 51},
		[]segment.Segment{{Begin: 10, End: 14}}, []segment.Segment{{Begin: 20, End: 22}})
	exec := &fakeExecutor{solves: func(buf []byte) bool {
		return len(buf) >= 22 && string(buf[10:14]) == "wxyz" && string(buf[20:22]) == "uv"
	}}
	out := newEngine(store, usage.NewTracker(nil), exec).Attempt(ctx, c, nil, 10)
	assert.True(t, out.Solved)
	assert.Equal(t, 1, c.RecordCursor(segment.Fingerprint{4, 2}))
}

func TestEngineKind(t *testing.T) {
	var s Strategy = newEngine(pattern.NewStore(), usage.NewTracker(nil), &fakeExecutor{})
	assert.Equal(t, KindReuse, s.Kind())
	assert.Equal(t, "reuse", s.Kind().String())
	assert.Equal(t, "cmp_fn", KindCmpFn.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
