// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

// Handler is the execution context of one strategy attempt.
//
// Description:
//
//	Owns a private copy of the input so the caller's buffer is never
//	modified, records which bytes were written and dispatches candidates to
//	the executor.
//
// Thread Safety: Not safe for concurrent use. One Handler per attempt.
type Handler struct {
	ctx        context.Context
	exec       Executor
	cond       *cond.Condition
	buf        []byte
	skip       func() bool
	mutated    map[uint32]struct{}
	executions int
	logger     *slog.Logger
}

// NewHandler creates a handler over a copy of buf.
//
// skip may be nil. logger defaults to slog.Default().
func NewHandler(ctx context.Context, exec Executor, c *cond.Condition, buf []byte, skip func() bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctx:     ctx,
		exec:    exec,
		cond:    c,
		buf:     append([]byte(nil), buf...),
		skip:    skip,
		mutated: make(map[uint32]struct{}),
		logger:  logger,
	}
}

// Stopped reports whether the attempt should end: the context is done or
// the skip predicate fired.
func (h *Handler) Stopped() bool {
	if h.ctx.Err() != nil {
		return true
	}
	return h.skip != nil && h.skip()
}

// Splice writes values into the handler's buffer at segs.
//
// Returns false, leaving the buffer untouched, when the value count does
// not match the segment count.
func (h *Handler) Splice(segs []segment.Segment, values [][]byte) bool {
	buf, ok := segment.Splice(h.buf, segs, values)
	if !ok {
		return false
	}
	h.buf = buf
	for i, s := range segs {
		n := min(uint32(len(values[i])), s.Len())
		for off := s.Begin; off < s.Begin+n; off++ {
			h.mutated[off] = struct{}{}
		}
	}
	return true
}

// Execute dispatches the current buffer.
func (h *Handler) Execute() accounting.Status {
	status := h.exec.Run(h.ctx, append([]byte(nil), h.buf...), h.cond)
	h.executions++

	if p, ok := h.exec.(Provenance); ok && p.HasNewPath() {
		h.logger.Debug("candidate produced new path",
			slog.String("cond", h.cond.Identity().String()),
			slog.Int("input_id", int(p.LastInputID())),
			slog.String("status", status.String()))
	}
	return status
}

// Buffer returns a copy of the current buffer.
func (h *Handler) Buffer() []byte {
	return append([]byte(nil), h.buf...)
}

// Executions returns the number of dispatched candidates.
func (h *Handler) Executions() int {
	return h.executions
}

// Mutated returns the written offsets in ascending order.
func (h *Handler) Mutated() []uint32 {
	out := make([]uint32, 0, len(h.mutated))
	for off := range h.mutated {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
