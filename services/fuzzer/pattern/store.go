// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pattern implements the taint-segment pattern store.
//
// The store maps a Fingerprint (the lengths of a condition's merged taint
// segments) to every distinct value tuple that occupied those segments in
// an input that executed the condition. Values learned from one condition
// are later replayed against unrelated conditions with the same shape.
//
// Records are only ever appended, in observation order, and deduplicated by
// value-tuple equality within a fingerprint bucket.
//
// Thread Safety:
//
//	Store is safe for unrestricted concurrent use. It is constructed once
//	per fuzzer process and handed to every worker.
package pattern

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/guard"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

// DefaultRecentCapacity bounds the recently-added identity set.
const DefaultRecentCapacity = 4096

// Store is the process-wide pattern store.
type Store struct {
	patterns *guard.Guarded[table]
	recent   *guard.Guarded[recentSet]
	inflight singleflight.Group
	logger   *slog.Logger
	runID    string
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger         *slog.Logger
	recentCapacity int
	runID          string
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithRecentCapacity bounds the recently-added identity set. Zero disables it.
func WithRecentCapacity(n int) Option {
	return func(o *storeOptions) {
		o.recentCapacity = n
	}
}

// WithRunID sets the run identifier stamped into reports.
func WithRunID(id string) Option {
	return func(o *storeOptions) {
		o.runID = id
	}
}

// NewStore creates an empty store.
//
// Inputs:
//
//	opts - Optional logger, recent-set capacity and run id. A random run id
//	       is generated when none is given.
//
// Outputs:
//
//	*Store - The store. Never nil.
func NewStore(opts ...Option) *Store {
	o := storeOptions{
		logger:         slog.Default(),
		recentCapacity: DefaultRecentCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	gopts := []guard.Option{guard.WithLogger(o.logger)}
	return &Store{
		patterns: guard.New("pattern_map", make(table), gopts...),
		recent: guard.New("pattern_recent", recentSet{
			keys:     make(map[string]struct{}),
			capacity: o.recentCapacity,
		}, gopts...),
		logger: o.logger,
		runID:  o.runID,
	}
}

// RunID returns the run identifier of this store.
func (s *Store) RunID() string {
	return s.runID
}

// Add appends a record unless an equal value tuple exists under fp.
//
// Description:
//
//	First writer wins: existing records are never updated. Concurrent
//	callers inserting the same (fp, values) pair are collapsed into one
//	insert attempt.
//
// Inputs:
//
//	ctx - Context for metrics.
//	fp - Fingerprint the values belong to.
//	offsets - Source offsets the values were read from.
//	values - One value per merged segment.
//	origin - Identity of the originating condition.
//	belong - Input id the values were read from.
//
// Outputs:
//
//	bool - True if a new record was appended.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Add(ctx context.Context, fp segment.Fingerprint, offsets []segment.Segment, values [][]byte, origin cond.Identity, belong uint32) bool {
	key := identityKey(fp, values)
	if s.seenRecently(ctx, key) {
		recordAdd(ctx, false, len(fp))
		return false
	}

	res, _, _ := s.inflight.Do(key, func() (any, error) {
		rec := Record{
			Origin:         origin,
			Belong:         belong,
			SourceOffsets:  segment.Clone(offsets),
			CriticalValues: cloneValues(values),
		}
		added := s.insert(ctx, fp, rec)
		s.remember(ctx, key)
		return added, nil
	})

	added, _ := res.(bool)
	recordAdd(ctx, added, len(fp))
	return added
}

func (s *Store) insert(ctx context.Context, fp segment.Fingerprint, rec Record) bool {
	var added bool
	outcome := s.patterns.With(func(t *table) {
		b, ok := (*t)[fp.Key()]
		if !ok {
			b = &bucket{fp: append(segment.Fingerprint(nil), fp...)}
			(*t)[fp.Key()] = b
		}
		for _, existing := range b.records {
			if SameValues(existing.CriticalValues, rec.CriticalValues) {
				return
			}
		}
		b.records = append(b.records, rec)
		added = true
	})
	s.noteOutcome(ctx, outcome, s.patterns.Name())
	return added
}

// AddFromCondition harvests the values under a condition's taint offsets.
//
// Description:
//
//	Adds one record for the primary offsets. When the secondary operand is
//	tainted too, adds one record for the secondary offsets and one for the
//	union of both. When the combined offsets merge into two or more
//	segments, additionally adds one singleton record per merged segment,
//	keyed by that segment's length, which feeds stage-2 recombination.
//	No-op when the condition has no primary offsets.
//
// Inputs:
//
//	ctx - Context for metrics.
//	c - The condition. Not modified.
//	buf - The input the condition executed on.
//
// Outputs:
//
//	int - Number of new records appended.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) AddFromCondition(ctx context.Context, c *cond.Condition, buf []byte) int {
	if len(c.Offsets) == 0 {
		return 0
	}

	origin := c.Identity()
	belong := c.Base.Belong
	added := 0
	add := func(offsets []segment.Segment) {
		fp := segment.FingerprintOf(offsets)
		if len(fp) == 0 {
			return
		}
		if s.Add(ctx, fp, offsets, segment.ExtractValues(offsets, buf), origin, belong) {
			added++
		}
	}

	add(c.Offsets)

	combined := c.Offsets
	if len(c.OffsetsOpt) > 0 {
		add(c.OffsetsOpt)
		combined = c.CombinedOffsets()
		add(combined)
	}

	merged := segment.MergeContiguous(combined)
	if len(merged) >= 2 {
		values := segment.ExtractValues(merged, buf)
		for i, seg := range merged {
			single := []segment.Segment{seg}
			if s.Add(ctx, segment.Fingerprint{seg.Len()}, single, values[i:i+1], origin, belong) {
				added++
			}
		}
	}
	return added
}

// AddFiltered is AddFromCondition restricted to relevant mutations.
//
// The condition is harvested only when its offsets cover at least one of
// the mutated byte offsets. An empty mutated set disables the filter.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) AddFiltered(ctx context.Context, c *cond.Condition, buf []byte, mutated []uint32) int {
	if len(mutated) > 0 {
		if !segment.Overlaps(c.Offsets, mutated) && !segment.Overlaps(c.OffsetsOpt, mutated) {
			return 0
		}
	}
	return s.AddFromCondition(ctx, c, buf)
}

// GetNext returns the next unseen records for a condition.
//
// Description:
//
//	Returns up to maxCount records of fp starting at the condition's
//	stage-1 cursor and advances the cursor past them. Records are returned
//	in insertion order. The returned records are copies.
//
// Inputs:
//
//	ctx - Context for metrics.
//	c - The condition whose cursor is used and advanced.
//	fp - Fingerprint to read.
//	maxCount - Maximum records to return. Values <= 0 return nil.
//
// Outputs:
//
//	[]Record - The records, or nil when the cursor is at or past the end.
//
// Thread Safety: Safe for concurrent use of the store. c must be owned by
// the caller.
func (s *Store) GetNext(ctx context.Context, c *cond.Condition, fp segment.Fingerprint, maxCount int) []Record {
	if maxCount <= 0 {
		return nil
	}
	start := c.RecordCursor(fp)

	var selected []Record
	outcome := s.patterns.With(func(t *table) {
		b, ok := (*t)[fp.Key()]
		if !ok || start >= len(b.records) {
			return
		}
		end := min(start+maxCount, len(b.records))
		selected = make([]Record, 0, end-start)
		for _, rec := range b.records[start:end] {
			selected = append(selected, rec.Clone())
		}
	})
	s.noteOutcome(ctx, outcome, s.patterns.Name())

	if len(selected) == 0 {
		return nil
	}
	c.AdvanceRecordCursor(fp, start+len(selected))
	recordServed(ctx, len(selected))
	return selected
}

// Pool returns the values of every singleton record of the given size.
//
// The values are copies, in insertion order. Empty when no singleton of
// that size has been observed.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Pool(ctx context.Context, size uint32) [][]byte {
	key := segment.Fingerprint{size}.Key()

	var pool [][]byte
	outcome := s.patterns.With(func(t *table) {
		b, ok := (*t)[key]
		if !ok {
			return
		}
		pool = make([][]byte, 0, len(b.records))
		for _, rec := range b.records {
			if len(rec.CriticalValues) == 1 {
				pool = append(pool, append([]byte(nil), rec.CriticalValues[0]...))
			}
		}
	})
	s.noteOutcome(ctx, outcome, s.patterns.Name())
	return pool
}

// Count returns the number of records stored under fp.
func (s *Store) Count(fp segment.Fingerprint) int {
	var n int
	s.patterns.With(func(t *table) {
		if b, ok := (*t)[fp.Key()]; ok {
			n = len(b.records)
		}
	})
	return n
}

// Stats returns the number of fingerprints and the total record count.
func (s *Store) Stats() (patterns, records int) {
	s.patterns.With(func(t *table) {
		patterns = len(*t)
		for _, b := range *t {
			records += len(b.records)
		}
	})
	return patterns, records
}

// Snapshot copies every bucket out of the store, in fingerprint order.
func (s *Store) Snapshot() []Bucket {
	var out []Bucket
	s.patterns.With(func(t *table) {
		out = make([]Bucket, 0, len(*t))
		for _, b := range *t {
			records := make([]Record, len(b.records))
			for i, rec := range b.records {
				records[i] = rec.Clone()
			}
			out = append(out, Bucket{
				Fingerprint: append(segment.Fingerprint(nil), b.fp...),
				Records:     records,
			})
		}
	})
	sortBuckets(out)
	return out
}

// Bucket is an exported copy of one fingerprint's records.
type Bucket struct {
	Fingerprint segment.Fingerprint `json:"fingerprint"`
	Records     []Record            `json:"records"`
}

func (s *Store) seenRecently(ctx context.Context, key string) bool {
	var seen bool
	outcome := s.recent.With(func(r *recentSet) {
		if r.capacity <= 0 {
			return
		}
		_, seen = r.keys[key]
	})
	s.noteOutcome(ctx, outcome, s.recent.Name())
	return seen
}

func (s *Store) remember(ctx context.Context, key string) {
	outcome := s.recent.With(func(r *recentSet) {
		if r.capacity <= 0 {
			return
		}
		if len(r.keys) >= r.capacity {
			r.keys = make(map[string]struct{}, r.capacity)
		}
		r.keys[key] = struct{}{}
	})
	s.noteOutcome(ctx, outcome, s.recent.Name())
}

func (s *Store) noteOutcome(ctx context.Context, outcome guard.Outcome, section string) {
	if outcome == guard.OutcomeRecovered {
		recordRecovered(ctx, section)
	}
}

// identityKey is an exact, collision-free key for (fp, values).
func identityKey(fp segment.Fingerprint, values [][]byte) string {
	var sb strings.Builder
	sb.WriteString(fp.Key())
	for _, v := range values {
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.Write(v)
	}
	return sb.String()
}
