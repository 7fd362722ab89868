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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"
)

func sortFingerprintRows(rows []FingerprintStats) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Successes != rows[j].Successes {
			return rows[i].Successes > rows[j].Successes
		}
		return rows[i].Fingerprint.Compare(rows[j].Fingerprint) < 0
	})
}

func sortConditionRows(rows []ConditionStats) {
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].Total(), rows[j].Total()
		if ti != tj {
			return ti > tj
		}
		return rows[i].Identity.Less(rows[j].Identity)
	})
}

// successRate returns successes/invocations as a percentage.
func successRate(successes, invocations uint64) float64 {
	if invocations == 0 {
		return 0
	}
	return float64(successes) * 100 / float64(invocations)
}

// WriteReport writes the usage tables to w.
//
// Description:
//
//	Writes the per-fingerprint table, the per-identity table and the
//	reuse-attributed execution counters. Row order is deterministic for a
//	given set of aggregates.
//
// Inputs:
//
//	w - Destination writer.
//
// Outputs:
//
//	error - The first write error, if any.
//
// Thread Safety: Safe for concurrent use.
func (t *Tracker) WriteReport(w io.Writer) error {
	fps := t.Fingerprints()
	conds := t.Conditions()
	reuse := t.ReuseTotals()

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Reuse Usage Statistics")
	fmt.Fprintf(bw, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(bw, "# Reuse executions: %s\n", reuse)
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "## Patterns")
	tw := tabwriter.NewWriter(bw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATTERN\tRECORDS\tUTILIZATION\tCALLS\tEXECS\tSTAGE1\tSTAGE2\tSUCCESS\tCOMBINED")
	var (
		totRecords                      int
		totCalls, totExecs              uint64
		totS1, totS2, totSucc, totCombo uint64
	)
	for _, r := range fps {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Fingerprint, r.TotalRecords, r.Utilization(), r.Invocations, r.Executions,
			r.Stage1Attempts, r.Stage2Attempts, r.Successes, r.CombinedSuccesses)
		totRecords += r.TotalRecords
		totCalls += r.Invocations
		totExecs += r.Executions
		totS1 += r.Stage1Attempts
		totS2 += r.Stage2Attempts
		totSucc += r.Successes
		totCombo += r.CombinedSuccesses
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(bw, "Total: %d patterns, %d records, %d calls, %d execs, %d stage1, %d stage2, %d successes (%d combined), success rate %.2f%%\n",
		len(fps), totRecords, totCalls, totExecs, totS1, totS2, totSucc, totCombo,
		successRate(totSucc, totCalls))
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "## Conditions")
	tw = tabwriter.NewWriter(bw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tPATTERN\tSTAGE1\tSTAGE2\tTOTAL")
	var condS1, condS2 uint64
	for _, r := range conds {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			r.Identity, r.LastFingerprint, r.Stage1Attempts, r.Stage2Attempts, r.Total())
		condS1 += r.Stage1Attempts
		condS2 += r.Stage2Attempts
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(bw, "Total: %d conditions, %d stage1, %d stage2, success rate %.2f%%\n",
		len(conds), condS1, condS2, successRate(totSucc, totCalls))

	return bw.Flush()
}

// SaveReport writes the usage report to path, creating parent directories.
func (t *Tracker) SaveReport(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create usage report: %w", err)
	}
	if err := t.WriteReport(f); err != nil {
		f.Close()
		return fmt.Errorf("write usage report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close usage report: %w", err)
	}
	t.logger.Info("usage report saved", slog.String("path", path))
	return nil
}
