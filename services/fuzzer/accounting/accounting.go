// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accounting holds execution counters and the scoped-isolation helper
// that keeps speculative executions out of globally visible statistics.
//
// The execution collaborator increments Counters on every run. Work that
// must not be visible there (reuse replay, for example) runs inside Isolate,
// which snapshots the counters, runs the work, hands the delta to another
// aggregate and restores the snapshot.
package accounting

import (
	"fmt"
	"sync/atomic"
)

// Status is the result class of one target execution.
type Status int

const (
	// StatusNormal is a clean run.
	StatusNormal Status = iota

	// StatusTimeout is a run that exceeded its time limit.
	StatusTimeout

	// StatusCrash is a run that crashed the target.
	StatusCrash

	// StatusError is a run the executor itself failed to perform.
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusTimeout:
		return "timeout"
	case StatusCrash:
		return "crash"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Execs   uint64 `json:"execs"`
	Inputs  uint64 `json:"inputs"`
	Hangs   uint64 `json:"hangs"`
	Crashes uint64 `json:"crashes"`
}

// Sub returns s - other field by field.
func (s Snapshot) Sub(other Snapshot) Snapshot {
	return Snapshot{
		Execs:   s.Execs - other.Execs,
		Inputs:  s.Inputs - other.Inputs,
		Hangs:   s.Hangs - other.Hangs,
		Crashes: s.Crashes - other.Crashes,
	}
}

// Add returns s + other field by field.
func (s Snapshot) Add(other Snapshot) Snapshot {
	return Snapshot{
		Execs:   s.Execs + other.Execs,
		Inputs:  s.Inputs + other.Inputs,
		Hangs:   s.Hangs + other.Hangs,
		Crashes: s.Crashes + other.Crashes,
	}
}

// String formats the snapshot like a status line.
func (s Snapshot) String() string {
	return fmt.Sprintf("EXEC: %d, FOUND: %d - %d - %d", s.Execs, s.Inputs, s.Hangs, s.Crashes)
}

// Counters are the execution counters owned by one executor.
//
// Thread Safety: Safe for concurrent use. Restore is not atomic across fields;
// callers restoring a snapshot own the executor for the duration.
type Counters struct {
	execs   atomic.Uint64
	inputs  atomic.Uint64
	hangs   atomic.Uint64
	crashes atomic.Uint64
}

// CountExec records one execution.
func (c *Counters) CountExec() {
	c.execs.Add(1)
}

// CountStatus records a finding for a run that produced something new.
//
// StatusNormal counts a new input, StatusTimeout a hang and StatusCrash a
// crash. StatusError is ignored.
func (c *Counters) CountStatus(status Status) {
	switch status {
	case StatusNormal:
		c.inputs.Add(1)
	case StatusTimeout:
		c.hangs.Add(1)
	case StatusCrash:
		c.crashes.Add(1)
	}
}

// Snapshot captures the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Execs:   c.execs.Load(),
		Inputs:  c.inputs.Load(),
		Hangs:   c.hangs.Load(),
		Crashes: c.crashes.Load(),
	}
}

// Restore overwrites the counters with a snapshot.
func (c *Counters) Restore(s Snapshot) {
	c.execs.Store(s.Execs)
	c.inputs.Store(s.Inputs)
	c.hangs.Store(s.Hangs)
	c.crashes.Store(s.Crashes)
}

// Snapshotter is anything whose state can be captured and put back.
type Snapshotter[S any] interface {
	Snapshot() S
	Restore(S)
}

// Isolate runs work without leaving a trace on src.
//
// Description:
//
//	Captures src, runs work, computes diff(before, after), passes the delta
//	to sink and restores src to the captured state. Restoration also runs
//	when work panics; the panic is then re-raised after the delta has been
//	delivered, so nothing observed before the panic is lost.
//
// Inputs:
//
//	src - State that must look untouched afterwards.
//	diff - Computes the delta produced by work.
//	sink - Receives the delta. May be nil to discard it.
//	work - The effectful work.
//
// Outputs:
//
//	S - The delta that was delivered to sink.
func Isolate[S any](src Snapshotter[S], diff func(before, after S) S, sink func(S), work func()) (delta S) {
	before := src.Snapshot()
	defer func() {
		delta = diff(before, src.Snapshot())
		if sink != nil {
			sink(delta)
		}
		src.Restore(before)
	}()

	work()
	return delta
}

// IsolateCounters is Isolate specialised for execution Counters.
func IsolateCounters(c *Counters, sink func(Snapshot), work func()) Snapshot {
	return Isolate[Snapshot](c, func(before, after Snapshot) Snapshot {
		return after.Sub(before)
	}, sink, work)
}
