// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage tracks how learned patterns are used by reuse attempts.
//
// Two aggregates are kept: one per fingerprint and one per condition
// identity. Both are monotonic counters for the lifetime of the process. A
// third aggregate collects the execution counters incurred by reuse, which
// are kept out of the executor's own counters.
//
// Thread Safety:
//
//	Tracker is safe for concurrent use.
package usage

import (
	"log/slog"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/guard"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

// Stage identifies which reuse stage solved a condition.
type Stage int

const (
	// StageNone means the attempt did not solve the condition.
	StageNone Stage = iota
	// StageReplay is exact-fingerprint replay.
	StageReplay
	// StageCombine is per-segment recombination.
	StageCombine
)

// String returns "none", "replay" or "combine".
func (s Stage) String() string {
	switch s {
	case StageReplay:
		return "replay"
	case StageCombine:
		return "combine"
	default:
		return "none"
	}
}

// Attempt summarizes one reuse attempt.
type Attempt struct {
	Fingerprint segment.Fingerprint
	Identity    cond.Identity

	// TotalRecords is the store's record count for Fingerprint.
	TotalRecords int

	// Cursor is the condition's stage-1 cursor after the attempt.
	Cursor int

	// Stage1 and Stage2 count dispatched executions per stage.
	Stage1 int
	Stage2 int

	// Executions is the reuse-attributed execution delta.
	Executions uint64

	SolvedBy Stage
}

// FingerprintStats aggregates reuse activity for one fingerprint.
type FingerprintStats struct {
	Fingerprint       segment.Fingerprint `json:"fingerprint"`
	TotalRecords      int                 `json:"total_records"`
	MaxCursor         int                 `json:"max_cursor"`
	Invocations       uint64              `json:"invocations"`
	Executions        uint64              `json:"executions"`
	Stage1Attempts    uint64              `json:"stage1_attempts"`
	Stage2Attempts    uint64              `json:"stage2_attempts"`
	Successes         uint64              `json:"successes"`
	CombinedSuccesses uint64              `json:"combined_successes"`
}

// Utilization is MaxCursor / TotalRecords, or 0 when there are no records.
func (s FingerprintStats) Utilization() float64 {
	if s.TotalRecords == 0 {
		return 0
	}
	return float64(s.MaxCursor) / float64(s.TotalRecords)
}

// ConditionStats aggregates reuse activity for one condition identity.
type ConditionStats struct {
	Identity        cond.Identity       `json:"identity"`
	LastFingerprint segment.Fingerprint `json:"last_fingerprint"`
	Stage1Attempts  uint64              `json:"stage1_attempts"`
	Stage2Attempts  uint64              `json:"stage2_attempts"`
}

// Total returns the attempts of both stages.
func (s ConditionStats) Total() uint64 {
	return s.Stage1Attempts + s.Stage2Attempts
}

type aggregates struct {
	byFingerprint map[string]*FingerprintStats
	byCondition   map[cond.Identity]*ConditionStats
}

// Tracker records usage statistics.
type Tracker struct {
	agg    *guard.Guarded[aggregates]
	reuse  *guard.Guarded[accounting.Snapshot]
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	gopts := guard.WithLogger(logger)
	return &Tracker{
		agg: guard.New("usage_stats", aggregates{
			byFingerprint: make(map[string]*FingerprintStats),
			byCondition:   make(map[cond.Identity]*ConditionStats),
		}, gopts),
		reuse:  guard.New("reuse_execs", accounting.Snapshot{}, gopts),
		logger: logger,
	}
}

// Update folds one reuse attempt into both aggregates.
//
// Description:
//
//	Called once per reuse attempt regardless of outcome. TotalRecords is
//	resynced from the attempt, MaxCursor is a high-water mark and every
//	other field accumulates.
//
// Inputs:
//
//	a - The attempt summary. Attempts with an empty fingerprint are ignored.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracker) Update(a Attempt) {
	if len(a.Fingerprint) == 0 {
		return
	}

	t.agg.With(func(agg *aggregates) {
		key := a.Fingerprint.Key()
		fs, ok := agg.byFingerprint[key]
		if !ok {
			fs = &FingerprintStats{Fingerprint: append(segment.Fingerprint(nil), a.Fingerprint...)}
			agg.byFingerprint[key] = fs
		}
		fs.TotalRecords = a.TotalRecords
		fs.MaxCursor = max(fs.MaxCursor, a.Cursor)
		fs.Invocations++
		fs.Executions += a.Executions
		fs.Stage1Attempts += uint64(a.Stage1)
		fs.Stage2Attempts += uint64(a.Stage2)
		switch a.SolvedBy {
		case StageReplay:
			fs.Successes++
		case StageCombine:
			fs.Successes++
			fs.CombinedSuccesses++
		}

		cs, ok := agg.byCondition[a.Identity]
		if !ok {
			cs = &ConditionStats{Identity: a.Identity}
			agg.byCondition[a.Identity] = cs
		}
		cs.Stage1Attempts += uint64(a.Stage1)
		cs.Stage2Attempts += uint64(a.Stage2)
		cs.LastFingerprint = append(segment.Fingerprint(nil), a.Fingerprint...)
	})

	observeAttempt(a)
}

// AddReuseExecs adds an execution-counter delta to the reuse aggregate.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracker) AddReuseExecs(delta accounting.Snapshot) {
	t.reuse.With(func(s *accounting.Snapshot) {
		*s = s.Add(delta)
	})
	observeReuseExecs(delta)
}

// ReuseTotals returns the reuse-attributed execution counters.
func (t *Tracker) ReuseTotals() accounting.Snapshot {
	var out accounting.Snapshot
	t.reuse.With(func(s *accounting.Snapshot) {
		out = *s
	})
	return out
}

// Fingerprints returns copies of the per-fingerprint rows, sorted by
// descending successes and then by fingerprint.
func (t *Tracker) Fingerprints() []FingerprintStats {
	var rows []FingerprintStats
	t.agg.With(func(agg *aggregates) {
		rows = make([]FingerprintStats, 0, len(agg.byFingerprint))
		for _, fs := range agg.byFingerprint {
			row := *fs
			row.Fingerprint = append(segment.Fingerprint(nil), fs.Fingerprint...)
			rows = append(rows, row)
		}
	})
	sortFingerprintRows(rows)
	return rows
}

// Conditions returns copies of the per-identity rows, sorted by descending
// total attempts and then by identity.
func (t *Tracker) Conditions() []ConditionStats {
	var rows []ConditionStats
	t.agg.With(func(agg *aggregates) {
		rows = make([]ConditionStats, 0, len(agg.byCondition))
		for _, cs := range agg.byCondition {
			row := *cs
			row.LastFingerprint = append(segment.Fingerprint(nil), cs.LastFingerprint...)
			rows = append(rows, row)
		}
	})
	sortConditionRows(rows)
	return rows
}
