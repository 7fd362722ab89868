// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
)

// =============================================================================
// Prometheus Metrics for Reuse Usage
// =============================================================================

var (
	// reuseInvocations counts reuse attempts.
	// Labels: segments (number of merged segments in the fingerprint)
	reuseInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reusefuzz",
		Subsystem: "reuse",
		Name:      "invocations_total",
		Help:      "Total reuse attempts",
	}, []string{"segments"})

	// reuseStageExecs counts candidate executions per stage.
	// Labels: stage (replay, combine)
	reuseStageExecs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reusefuzz",
		Subsystem: "reuse",
		Name:      "stage_executions_total",
		Help:      "Candidate executions dispatched by reuse stage",
	}, []string{"stage"})

	// reuseSolved counts conditions solved by reuse.
	// Labels: stage (replay, combine)
	reuseSolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reusefuzz",
		Subsystem: "reuse",
		Name:      "solved_total",
		Help:      "Conditions solved by reuse, by stage",
	}, []string{"stage"})

	// reuseFindings counts reuse-attributed findings.
	// Labels: kind (exec, input, hang, crash)
	reuseFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reusefuzz",
		Subsystem: "reuse",
		Name:      "findings_total",
		Help:      "Execution counters attributed to reuse",
	}, []string{"kind"})
)

func observeAttempt(a Attempt) {
	reuseInvocations.WithLabelValues(segmentsLabel(len(a.Fingerprint))).Inc()
	reuseStageExecs.WithLabelValues(StageReplay.String()).Add(float64(a.Stage1))
	reuseStageExecs.WithLabelValues(StageCombine.String()).Add(float64(a.Stage2))
	if a.SolvedBy != StageNone {
		reuseSolved.WithLabelValues(a.SolvedBy.String()).Inc()
	}
}

func observeReuseExecs(d accounting.Snapshot) {
	reuseFindings.WithLabelValues("exec").Add(float64(d.Execs))
	reuseFindings.WithLabelValues("input").Add(float64(d.Inputs))
	reuseFindings.WithLabelValues("hang").Add(float64(d.Hangs))
	reuseFindings.WithLabelValues("crash").Add(float64(d.Crashes))
}

// segmentsLabel buckets the segment count to keep label cardinality low.
func segmentsLabel(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n == 2:
		return "2"
	case n <= 4:
		return "3-4"
	default:
		return "5+"
	}
}
