// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives conditions from the work queue through the mutation
// strategies.
//
// # Description
//
// A Worker repeatedly takes the highest-priority condition from the Depot,
// feeds the condition's input into the pattern store, decides which
// strategy family applies and dispatches it. Reuse always runs first for
// exploration and exploitation; the other strategies only run when reuse
// leaves the condition unsolved. A Pool runs several workers sharing one
// store and one usage tracker.
package loop

import (
	"context"
	"errors"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
)

// ErrNoWorkers is returned by NewPool when asked for zero workers.
var ErrNoWorkers = errors.New("pool needs at least one worker")

// Priority is the queue priority of a condition. Lower runs first.
type Priority uint16

// PriorityDone marks an entry whose condition no longer needs fuzzing. A
// worker that dequeues it stops, since everything behind it is done too.
const PriorityDone Priority = 0xFFFF

// IsDone reports whether p is PriorityDone.
func (p Priority) IsDone() bool {
	return p == PriorityDone
}

// Depot is the work queue and input corpus.
//
// Next blocks only as long as the implementation needs to produce an
// entry; ok is false when the queue is exhausted. Update returns a
// condition to the queue after a worker is done with it. InputBuffer
// returns a copy of the input with the given id, or nil.
type Depot interface {
	Next(ctx context.Context) (c *cond.Condition, p Priority, ok bool)
	Update(c *cond.Condition)
	InputBuffer(id uint32) []byte
}
