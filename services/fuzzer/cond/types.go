// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cond defines the branch condition record and its solving state
// machine.
//
// A Condition is created by the driver when a branch is first discovered,
// handed to one worker at a time, and mutated across repeated dequeues. It
// carries the taint offsets of both comparison operands, the current solving
// State, and the resumable cursors of the reuse engine.
//
// Thread Safety:
//
//	A Condition is owned by a single worker while it is being fuzzed and is
//	not safe for concurrent mutation.
package cond

import (
	"fmt"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

const (
	// DefaultLongFuzzTime is the number of attempts after which any state
	// is considered expired.
	DefaultLongFuzzTime = 8

	// SlowSpeed is the scheduling weight of the slowest tier.
	SlowSpeed uint32 = 888888
)

// Comparison operator classes that select a dedicated fuzz type.
const (
	OpAFL   uint32 = 0xFF01
	OpLen   uint32 = 0xFF02
	OpCmpFn uint32 = 0xFF03
)

// Condition progress markers stored in Base.Condition.
const (
	// CondFalse means only the false branch has been observed.
	CondFalse uint32 = 0
	// CondTrue means only the true branch has been observed.
	CondTrue uint32 = 1
	// CondDone means both branches have been observed.
	CondDone uint32 = 2
)

// Identity identifies a condition across inputs.
type Identity struct {
	CmpID   uint32 `json:"cmpid"`
	Context uint32 `json:"context"`
	Order   uint32 `json:"order"`
}

// String renders the identity as "cmpid=..,ctx=..,order=..".
func (id Identity) String() string {
	return fmt.Sprintf("cmpid=%d,ctx=%d,order=%d", id.CmpID, id.Context, id.Order)
}

// Less orders identities by CmpID, then Context, then Order.
func (id Identity) Less(other Identity) bool {
	if id.CmpID != other.CmpID {
		return id.CmpID < other.CmpID
	}
	if id.Context != other.Context {
		return id.Context < other.Context
	}
	return id.Order < other.Order
}

// Base holds the identity fields reported by instrumentation.
type Base struct {
	CmpID   uint32 `json:"cmpid"`
	Context uint32 `json:"context"`
	Order   uint32 `json:"order"`

	// Belong is the id of the input that executed this condition.
	Belong uint32 `json:"belong"`

	// Op is the comparison operator class.
	Op uint32 `json:"op"`

	// Condition is one of CondFalse, CondTrue, CondDone.
	Condition uint32 `json:"condition"`
}

// FuzzType is the mutation family the driver applies to a condition.
type FuzzType string

const (
	FuzzExplore FuzzType = "explore"
	FuzzExploit FuzzType = "exploit"
	FuzzAFL     FuzzType = "afl"
	FuzzLen     FuzzType = "len"
	FuzzCmpFn   FuzzType = "cmp_fn"
	FuzzOther   FuzzType = "other"
)

// Condition is the driver-owned record of one branch condition.
type Condition struct {
	Base Base `json:"base"`

	// Offsets are the taint segments of the primary operand.
	Offsets []segment.Segment `json:"offsets"`

	// OffsetsOpt are the taint segments of the secondary operand.
	OffsetsOpt []segment.Segment `json:"offsets_opt,omitempty"`

	State State `json:"state"`

	// Speed is the scheduling weight; larger is visited less often.
	Speed uint32 `json:"speed"`

	// FuzzTimes counts how often the condition was dequeued.
	FuzzTimes int `json:"fuzz_times"`

	// Exploitable marks conditions selected for exploitation.
	Exploitable bool `json:"exploitable,omitempty"`

	// RecordCursors is the stage-1 replay position per fingerprint key.
	RecordCursors map[string]int `json:"record_cursors,omitempty"`

	// SegmentDraws counts the stage-2 values drawn for each merged segment.
	// Draws are independent, so the counts record effort and are never used
	// to resume.
	SegmentDraws []int `json:"segment_draws,omitempty"`
}

// New creates a condition in its initial state.
func New(base Base, offsets, offsetsOpt []segment.Segment) *Condition {
	return &Condition{
		Base:       base,
		Offsets:    segment.Clone(offsets),
		OffsetsOpt: segment.Clone(offsetsOpt),
		State:      StateOffset,
	}
}

// Identity returns the (cmpid, context, order) key of the condition.
func (c *Condition) Identity() Identity {
	return Identity{CmpID: c.Base.CmpID, Context: c.Base.Context, Order: c.Base.Order}
}

// IsDone reports whether both branches of the condition have been seen.
func (c *Condition) IsDone() bool {
	return c.Base.Condition == CondDone
}

// MarkDone records that the condition has been flipped.
func (c *Condition) MarkDone() {
	c.Base.Condition = CondDone
}

// IsFirstTime reports whether this is the first dequeue of the condition.
func (c *Condition) IsFirstTime() bool {
	return c.FuzzTimes == 1
}

// IsTimeExpired reports whether the condition should move to its next state.
//
// Description:
//
//	True when the condition is in Deterministic or OneByte state and this is
//	not its first attempt, or when FuzzTimes reached longFuzzTime.
//
// Inputs:
//
//	longFuzzTime - Attempt threshold; values <= 0 use DefaultLongFuzzTime.
func (c *Condition) IsTimeExpired(longFuzzTime int) bool {
	if longFuzzTime <= 0 {
		longFuzzTime = DefaultLongFuzzTime
	}
	lowYield := c.State == StateDeterministic || c.State == StateOneByte
	return (lowYield && !c.IsFirstTime()) || c.FuzzTimes >= longFuzzTime
}

// FuzzType selects the mutation family from the operator and exploit flag.
func (c *Condition) FuzzType() FuzzType {
	switch c.Base.Op {
	case OpAFL:
		return FuzzAFL
	case OpLen:
		return FuzzLen
	case OpCmpFn:
		return FuzzCmpFn
	}
	if c.Exploitable {
		return FuzzExploit
	}
	if !c.IsDone() {
		return FuzzExplore
	}
	return FuzzOther
}

// CombinedOffsets returns the union of both operand offset lists.
func (c *Condition) CombinedOffsets() []segment.Segment {
	return segment.MergeOffsets(c.Offsets, c.OffsetsOpt)
}

// RecordCursor returns the stage-1 replay position for a fingerprint.
func (c *Condition) RecordCursor(fp segment.Fingerprint) int {
	return c.RecordCursors[fp.Key()]
}

// AdvanceRecordCursor moves the stage-1 cursor for fp forward to pos.
//
// The cursor never moves backwards; a smaller pos is ignored.
func (c *Condition) AdvanceRecordCursor(fp segment.Fingerprint, pos int) {
	if c.RecordCursors == nil {
		c.RecordCursors = make(map[string]int)
	}
	key := fp.Key()
	if pos > c.RecordCursors[key] {
		c.RecordCursors[key] = pos
	}
}

// EnsureSegmentDraws sizes SegmentDraws to n entries.
//
// Existing entries are kept; new ones start at zero.
func (c *Condition) EnsureSegmentDraws(n int) {
	if len(c.SegmentDraws) == n {
		return
	}
	draws := make([]int, n)
	copy(draws, c.SegmentDraws)
	c.SegmentDraws = draws
}

// AddSegmentDraws adds by to the draw count of segment i.
func (c *Condition) AddSegmentDraws(i, by int) {
	if i < 0 || i >= len(c.SegmentDraws) || by <= 0 {
		return
	}
	c.SegmentDraws[i] += by
}

// Clone returns a deep copy of the condition.
func (c *Condition) Clone() *Condition {
	out := *c
	out.Offsets = segment.Clone(c.Offsets)
	out.OffsetsOpt = segment.Clone(c.OffsetsOpt)
	if c.RecordCursors != nil {
		out.RecordCursors = make(map[string]int, len(c.RecordCursors))
		for k, v := range c.RecordCursors {
			out.RecordCursors[k] = v
		}
	}
	if c.SegmentDraws != nil {
		out.SegmentDraws = append([]int(nil), c.SegmentDraws...)
	}
	return &out
}
