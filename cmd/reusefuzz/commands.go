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
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/telemetry"
)

var (
	configPath string
	runID      string

	cfg    config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "reusefuzz",
		Short: "Inspect and serve the learned value patterns of a fuzzing campaign",
		Long: `reusefuzz manages the pattern store of a taint-directed fuzzer: the
critical values observed under each taint shape, persisted between runs,
and the statistics of how reuse attempts used them.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Write text reports from the persisted pattern store",
	}
	reportPatternsCmd = &cobra.Command{
		Use:   "patterns",
		Short: "Write the label pattern report",
		RunE:  runReportPatterns,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print a summary of the persisted pattern store",
		RunE:  runStats,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the pattern store and usage statistics over HTTP",
		Long: `Loads the persisted pattern store and serves it on the configured
address together with /metrics. On shutdown the store is saved and both
reports are written.

Workers run only in processes that embed the fuzzer service and attach an
executor; this command serves the learned patterns on their own.`,
		RunE: runServe,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}

	reportOut string
	topN      int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "reusefuzz.yaml", "Path to the YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&runID, "run-id", "", "Campaign id stamped into reports (default: random)")

	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportPatternsCmd)
	reportPatternsCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Output path (default: reports.pattern_path)")

	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVarP(&topN, "top", "n", 10, "Number of largest patterns to list")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Telemetry.LogLevel, runID)
	slog.SetDefault(logger)
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
