// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search holds the mutation strategies applied to a condition.
//
// Only the reuse engine is implemented here. The remaining strategies
// (one-byte, deterministic, gradient search, AFL-style havoc, length and
// comparison-function mutators) live outside this module and plug in
// through the Strategy interface.
package search

import (
	"context"
	"fmt"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/accounting"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
)

// Kind names a mutation strategy.
type Kind int

const (
	KindOneByte Kind = iota
	KindDeterministic
	KindSearch
	KindReuse
	KindExploit
	KindAFL
	KindLength
	KindCmpFn
)

// String returns the strategy name.
func (k Kind) String() string {
	switch k {
	case KindOneByte:
		return "one_byte"
	case KindDeterministic:
		return "deterministic"
	case KindSearch:
		return "search"
	case KindReuse:
		return "reuse"
	case KindExploit:
		return "exploit"
	case KindAFL:
		return "afl"
	case KindLength:
		return "length"
	case KindCmpFn:
		return "cmp_fn"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one strategy attempt.
type Outcome struct {
	// Solved is true when the condition became done during the attempt.
	Solved bool

	// Executions is the number of candidates dispatched.
	Executions int

	// Solution is the candidate that solved the condition, if any.
	Solution []byte

	// Mutated lists the byte offsets the strategy wrote to, ascending.
	Mutated []uint32
}

// Strategy is one mutation strategy.
//
// Implementations must not retain buf; they mutate a private copy.
type Strategy interface {
	Kind() Kind
	Attempt(ctx context.Context, c *cond.Condition, buf []byte, budget int) Outcome
}

// Executor runs candidate inputs against the instrumented target.
//
// Run may mark c done when the candidate flips the condition. Counters
// returns the executor's own accounting, which reuse attempts snapshot and
// restore.
type Executor interface {
	Run(ctx context.Context, buf []byte, c *cond.Condition) accounting.Status
	Counters() *accounting.Counters
}

// Provenance is implemented by executors that can report what the last
// run produced.
type Provenance interface {
	HasNewPath() bool
	LastInputID() uint32
}
