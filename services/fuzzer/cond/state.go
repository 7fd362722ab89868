// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cond

import (
	"log/slog"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

// State is the solving state of a condition.
//
// The state decides which mutation family currently applies. Transitions
// are triggered by the driver through NextState after a strategy exhausted
// its budget.
type State string

const (
	// StateOffset mutates the primary operand offsets. Initial state.
	StateOffset State = "OFFSET"

	// StateOffsetOpt mutates the secondary operand offsets.
	StateOffsetOpt State = "OFFSET_OPT"

	// StateOffsetAll mutates the union of both operands.
	StateOffsetAll State = "OFFSET_ALL"

	// StateOffsetAllEnd is the end of the offset search.
	StateOffsetAllEnd State = "OFFSET_ALL_END"

	// StateOneByte applies single-byte mutation. Also initial.
	StateOneByte State = "ONE_BYTE"

	// StateUnsolvable marks a condition proven unsolvable.
	StateUnsolvable State = "UNSOLVABLE"

	// StateDeterministic applies deterministic byte flips.
	StateDeterministic State = "DETERMINISTIC"

	// StateReusing replays learned values only.
	StateReusing State = "REUSING"

	// StateTimeout marks a condition whose executions time out.
	StateTimeout State = "TIMEOUT"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsInitial reports whether s is a scheduling-initial state.
func (s State) IsInitial() bool {
	return s == StateOffset || s == StateOneByte
}

// IsTerminal reports whether s has no automatic successor.
func (s State) IsTerminal() bool {
	switch s {
	case StateUnsolvable, StateTimeout, StateOffsetAllEnd, StateReusing:
		return true
	default:
		return false
	}
}

// AllStates returns every solving state.
func AllStates() []State {
	return []State{
		StateOffset,
		StateOffsetOpt,
		StateOffsetAll,
		StateOffsetAllEnd,
		StateOneByte,
		StateUnsolvable,
		StateDeterministic,
		StateReusing,
		StateTimeout,
	}
}

// NextState applies the automatic transition for the current state.
//
// Description:
//
//	Offset    -> OffsetOpt if secondary offsets exist, else Deterministic
//	OneByte   -> OffsetOpt if secondary offsets exist, else Reusing
//	OffsetOpt -> OffsetAll
//	OffsetAll -> Deterministic
//	Deterministic -> Reusing
//
//	Every other state is left unchanged.
//
// Outputs:
//
//	State - The state after the transition.
func (c *Condition) NextState() State {
	from := c.State
	switch c.State {
	case StateOffset:
		if len(c.OffsetsOpt) > 0 {
			c.ToOffsetsOpt()
		} else {
			c.ToDeterministic()
		}
	case StateOneByte:
		if len(c.OffsetsOpt) > 0 {
			c.ToOffsetsOpt()
		} else {
			c.ToReusing()
		}
	case StateOffsetOpt:
		c.ToOffsetsAll()
	case StateOffsetAll:
		c.ToDeterministic()
	case StateDeterministic:
		c.ToReusing()
	}

	if from != c.State {
		slog.Debug("condition state transition",
			slog.String("condition", c.Identity().String()),
			slog.String("from", from.String()),
			slog.String("to", c.State.String()))
	}
	return c.State
}

// ToOffsetsOpt swaps primary and secondary offsets and enters OffsetOpt.
func (c *Condition) ToOffsetsOpt() {
	c.State = StateOffsetOpt
	c.Offsets, c.OffsetsOpt = c.OffsetsOpt, c.Offsets
}

// ToOffsetsAll merges both operands into the primary offsets.
func (c *Condition) ToOffsetsAll() {
	c.State = StateOffsetAll
	c.Offsets = segment.MergeOffsets(c.Offsets, c.OffsetsOpt)
	c.OffsetsOpt = nil
}

// ToOffsetsAllEnd enters OffsetAllEnd.
func (c *Condition) ToOffsetsAllEnd() {
	c.State = StateOffsetAllEnd
}

// ToDeterministic enters Deterministic.
func (c *Condition) ToDeterministic() {
	c.State = StateDeterministic
}

// ToUnsolvable enters Unsolvable.
func (c *Condition) ToUnsolvable() {
	c.State = StateUnsolvable
}

// ToReusing enters Reusing.
//
// Remaining secondary offsets are merged into the primary ones and one
// zeroed stage-2 draw counter is allocated per merged contiguous segment.
func (c *Condition) ToReusing() {
	if len(c.OffsetsOpt) > 0 {
		c.Offsets = segment.MergeOffsets(c.Offsets, c.OffsetsOpt)
		c.OffsetsOpt = nil
	}
	c.SegmentDraws = make([]int, len(segment.MergeContiguous(c.Offsets)))
	c.State = StateReusing
}

// ToTimeout enters Timeout and drops the condition to the slowest tier.
func (c *Condition) ToTimeout() {
	c.Speed = SlowSpeed
	c.State = StateTimeout
}
