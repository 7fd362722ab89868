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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/telemetry"
)

func harvested() *pattern.Store {
	store := pattern.NewStore(pattern.WithRunID("cli-test"))
	c := cond.New(cond.Base{CmpID: 7, Belong: 1},
		[]segment.Segment{{Begin: 0, End: 4}}, nil)
	store.AddFromCondition(context.Background(), c, []byte("GIF8"))
	return store
}

func useTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfg = config.Default()
	cfg.Storage.Path = filepath.Join(dir, "patterns.db")
	cfg.Patterns.Persist = true
	cfg.Reports.PatternPath = filepath.Join(dir, "label_patterns.txt")
	cfg.Reports.UsagePath = filepath.Join(dir, "reuse_usage.txt")
	runID = "cli-test"
	logger = telemetry.NewLogger(&bytes.Buffer{}, "error", runID)
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStats(&out, harvested(), 5))

	text := out.String()
	assert.Contains(t, text, "Pattern store")
	assert.Contains(t, text, "cli-test")
	assert.Contains(t, text, "4")
}

func TestRunConfig(t *testing.T) {
	useTestConfig(t)
	var out bytes.Buffer
	configCmd.SetOut(&out)
	require.NoError(t, runConfig(configCmd, nil))
	assert.Contains(t, out.String(), "workers: 1")
}

func TestReportPatternsFromPersistedStore(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	svc, err := openService(ctx)
	require.NoError(t, err)
	c := cond.New(cond.Base{CmpID: 7, Belong: 1},
		[]segment.Segment{{Begin: 0, End: 4}}, nil)
	svc.Store().AddFromCondition(ctx, c, []byte("GIF8"))
	require.NoError(t, svc.Flush(ctx))
	require.NoError(t, svc.Close())
	require.NoError(t, os.Remove(cfg.Reports.PatternPath))

	reportOut = ""
	reportPatternsCmd.SetContext(ctx)
	require.NoError(t, runReportPatterns(reportPatternsCmd, nil))

	report, err := os.ReadFile(cfg.Reports.PatternPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "# Total patterns: 1")
}
