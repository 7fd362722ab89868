// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func sortBuckets(buckets []Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Fingerprint.Compare(buckets[j].Fingerprint) < 0
	})
}

// WriteReport writes the human-readable pattern report to w.
//
// Description:
//
//	Lists every fingerprint in Compare order with its record count, and for
//	each record its origin identity, source offsets and critical values.
//
// Inputs:
//
//	w - Destination writer.
//
// Outputs:
//
//	error - Non-nil if writing fails.
//
// Thread Safety: Safe for concurrent use. Works on a snapshot.
func (s *Store) WriteReport(w io.Writer) error {
	buckets := s.Snapshot()
	total := 0
	for _, b := range buckets {
		total += len(b.Records)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Label Pattern Map")
	fmt.Fprintf(bw, "# Run: %s\n", s.runID)
	fmt.Fprintf(bw, "# Generated at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(bw, "# Total patterns: %d\n", len(buckets))
	fmt.Fprintf(bw, "# Total records: %d\n", total)
	fmt.Fprintln(bw)

	for _, b := range buckets {
		fmt.Fprintf(bw, "Pattern: %s (size: %d)\n", b.Fingerprint, b.Fingerprint.Sum())
		fmt.Fprintf(bw, "  Records: %d\n", len(b.Records))
		for i, rec := range b.Records {
			fmt.Fprintf(bw, "    [%d] Origin: %s belong=%d\n", i, rec.Origin, rec.Belong)
			fmt.Fprintf(bw, "        Offsets: %v\n", rec.SourceOffsets)
			fmt.Fprintf(bw, "        Critical values: %v\n", rec.CriticalValues)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// SaveReport writes the pattern report to path, creating parent directories.
func (s *Store) SaveReport(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pattern report %s: %w", path, err)
	}
	if err := s.WriteReport(f); err != nil {
		f.Close()
		return fmt.Errorf("write pattern report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close pattern report: %w", err)
	}

	patterns, records := s.Stats()
	s.logger.Info("saved pattern report",
		slog.String("path", path),
		slog.Int("patterns", patterns),
		slog.Int("records", records))
	return nil
}
