// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the fuzzer configuration.
//
// Priority: environment > file > defaults. Files may be YAML or JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/search"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/storage/badger"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the full fuzzer configuration.
type Config struct {
	Fuzz      FuzzConfig      `yaml:"fuzz" json:"fuzz"`
	Patterns  PatternConfig   `yaml:"patterns" json:"patterns"`
	Reports   ReportConfig    `yaml:"reports" json:"reports"`
	Storage   badger.Config   `yaml:"storage" json:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// FuzzConfig controls the worker pool.
type FuzzConfig struct {
	// Workers is the number of concurrent fuzzing workers.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=256"`

	// ReuseBudget bounds the candidates of one reuse attempt.
	ReuseBudget int `yaml:"reuse_budget" json:"reuse_budget" validate:"gte=1"`

	// StrategyBudget is passed to the other strategies.
	StrategyBudget int `yaml:"strategy_budget" json:"strategy_budget" validate:"gte=1"`

	// LongFuzzTime is the dequeue count that forces a state transition.
	LongFuzzTime int `yaml:"long_fuzz_time" json:"long_fuzz_time" validate:"gte=1"`
}

// PatternConfig controls the pattern store.
type PatternConfig struct {
	// RecentCapacity bounds the recently-added set. Zero disables it.
	RecentCapacity int `yaml:"recent_capacity" json:"recent_capacity" validate:"gte=0"`

	// Persist saves the store to Storage on shutdown and loads it on start.
	Persist bool `yaml:"persist" json:"persist"`
}

// ReportConfig names the report files written at shutdown.
type ReportConfig struct {
	PatternPath string `yaml:"pattern_path" json:"pattern_path" validate:"required"`
	UsagePath   string `yaml:"usage_path" json:"usage_path" validate:"required"`
}

// TelemetryConfig selects the exporters and log level.
type TelemetryConfig struct {
	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=otlp stdout none"`

	// OTLPEndpoint is the OTLP receiver used when TraceExporter is "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9464".
	Addr string `yaml:"addr" json:"addr" validate:"required,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	storage := badger.DefaultConfig()
	storage.Path = "output/patterns.db"
	return Config{
		Fuzz: FuzzConfig{
			Workers:        1,
			ReuseBudget:    search.DefaultBudget,
			StrategyBudget: search.DefaultBudget,
			LongFuzzTime:   cond.DefaultLongFuzzTime,
		},
		Patterns: PatternConfig{
			RecentCapacity: 4096,
		},
		Reports: ReportConfig{
			PatternPath: "output/label_patterns.txt",
			UsagePath:   "output/reuse_usage.txt",
		},
		Storage: storage,
		Telemetry: TelemetryConfig{
			MetricExporter: "prometheus",
			TraceExporter:  "none",
			OTLPEndpoint:   "localhost:4317",
			LogLevel:       "info",
		},
		Server: ServerConfig{
			Addr: "localhost:9464",
		},
	}
}

// Load reads the configuration.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing uses defaults.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file is unreadable or invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("REUSEFUZZ_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Fuzz.Workers = i
		}
	}
	if v := os.Getenv("REUSEFUZZ_REUSE_BUDGET"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Fuzz.ReuseBudget = i
		}
	}
	if v := os.Getenv("REUSEFUZZ_LONG_FUZZ_TIME"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Fuzz.LongFuzzTime = i
		}
	}
	if v := os.Getenv("REUSEFUZZ_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("REUSEFUZZ_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
	if v := os.Getenv("REUSEFUZZ_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate checks the struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory", ErrInvalidConfig)
	}
	return nil
}
