// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the pattern store and usage statistics over HTTP.
package api

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/storage/badger"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	RunID   string `json:"run_id"`
}

// PatternStatsResponse is the body of GET /patterns/stats.
type PatternStatsResponse struct {
	RunID    string `json:"run_id"`
	Patterns int    `json:"patterns"`
	Records  int    `json:"records"`
}

// PatternsResponse is the body of GET /patterns.
type PatternsResponse struct {
	Buckets []pattern.Bucket `json:"buckets"`
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	Fingerprints []usage.FingerprintStats `json:"fingerprints"`
	Conditions   []usage.ConditionStats   `json:"conditions"`
	Reuse        accounting.Snapshot      `json:"reuse"`
}

// Handlers serves the fuzzer API.
type Handlers struct {
	store   *pattern.Store
	tracker *usage.Tracker
	db      *badger.DB
	logger  *slog.Logger
}

// NewHandlers creates handlers over a store and tracker.
func NewHandlers(store *pattern.Store, tracker *usage.Tracker, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, tracker: tracker, logger: logger}
}

// WithDB enables POST /patterns/save.
func (h *Handlers) WithDB(db *badger.DB) *Handlers {
	h.db = db
	return h
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		RunID:   h.store.RunID(),
	})
}

// HandlePatternStats handles GET /patterns/stats.
func (h *Handlers) HandlePatternStats(c *gin.Context) {
	patterns, records := h.store.Stats()
	c.JSON(http.StatusOK, PatternStatsResponse{
		RunID:    h.store.RunID(),
		Patterns: patterns,
		Records:  records,
	})
}

// HandlePatterns handles GET /patterns.
//
// Description:
//
//	Returns every bucket in fingerprint order. The optional query parameter
//	fingerprint (e.g. "5,2") restricts the result to one bucket.
//
// Response:
//
//	200 OK: PatternsResponse
//	400 Bad Request: malformed fingerprint
//	404 Not Found: no bucket for the fingerprint
func (h *Handlers) HandlePatterns(c *gin.Context) {
	buckets := h.store.Snapshot()

	key := c.Query("fingerprint")
	if key == "" {
		c.JSON(http.StatusOK, PatternsResponse{Buckets: buckets})
		return
	}

	fp, err := segment.ParseFingerprint(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_FINGERPRINT"})
		return
	}
	for _, b := range buckets {
		if b.Fingerprint.Equal(fp) {
			c.JSON(http.StatusOK, PatternsResponse{Buckets: []pattern.Bucket{b}})
			return
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "no records for fingerprint " + fp.String(), Code: "NOT_FOUND"})
}

// HandlePatternReport handles GET /patterns/report with the text report.
func (h *Handlers) HandlePatternReport(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.store.WriteReport(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REPORT_FAILED"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

// HandleSavePatterns handles POST /patterns/save.
//
// Response:
//
//	204 No Content: saved
//	503 Service Unavailable: no database configured
//	500 Internal Server Error: save failed
func (h *Handlers) HandleSavePatterns(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "persistence disabled", Code: "NO_DATABASE"})
		return
	}
	if err := h.store.Save(c.Request.Context(), h.db); err != nil {
		h.logger.Error("saving pattern store failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SAVE_FAILED"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleUsage handles GET /usage.
func (h *Handlers) HandleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, UsageResponse{
		Fingerprints: h.tracker.Fingerprints(),
		Conditions:   h.tracker.Conditions(),
		Reuse:        h.tracker.ReuseTotals(),
	})
}

// HandleUsageReport handles GET /usage/report with the text report.
func (h *Handlers) HandleUsageReport(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.tracker.WriteReport(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REPORT_FAILED"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
