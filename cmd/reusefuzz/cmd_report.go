// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/service"
)

var (
	colorTeal  = lipgloss.Color("#2CD7C7")
	colorSlate = lipgloss.Color("#2C4A54")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	mutedStyle = lipgloss.NewStyle().Foreground(colorSlate)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#16858E")).
			Padding(0, 1)
)

// openService opens the configured database with the persisted records
// loaded.
func openService(ctx context.Context) (*service.Service, error) {
	return service.Open(ctx, cfg, runID, true, logger)
}

func runReportPatterns(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()
	store := svc.Store()

	out := reportOut
	if out == "" {
		out = cfg.Reports.PatternPath
	}
	if out == "-" {
		return store.WriteReport(cmd.OutOrStdout())
	}
	return store.SaveReport(out)
}

func runStats(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()
	store := svc.Store()

	return printStats(cmd.OutOrStdout(), store, topN)
}

// printStats renders totals and the n largest buckets.
func printStats(w io.Writer, store *pattern.Store, n int) error {
	buckets := store.Snapshot()
	sort.SliceStable(buckets, func(i, j int) bool {
		return len(buckets[i].Records) > len(buckets[j].Records)
	})
	if n >= 0 && len(buckets) > n {
		buckets = buckets[:n]
	}

	patterns, records := store.Stats()
	body := fmt.Sprintf("%s\n%s %d\n%s %d\n%s %s",
		titleStyle.Render("Pattern store"),
		mutedStyle.Render("patterns:"), patterns,
		mutedStyle.Render("records: "), records,
		mutedStyle.Render("run:     "), store.RunID(),
	)
	for _, b := range buckets {
		body += fmt.Sprintf("\n  %-16s %6d", b.Fingerprint, len(b.Records))
	}

	_, err := fmt.Fprintln(w, boxStyle.Render(body))
	return err
}
