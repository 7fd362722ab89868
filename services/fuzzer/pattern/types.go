// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"bytes"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/cond"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
)

// Record is one distinct value tuple observed under a fingerprint.
//
// Invariant: len(CriticalValues) == len(segment.MergeContiguous(SourceOffsets)).
type Record struct {
	// Origin identifies the condition the values were harvested from.
	Origin cond.Identity `json:"origin"`

	// Belong is the input id the values were read from.
	Belong uint32 `json:"belong"`

	// SourceOffsets are the segments the values were read from.
	SourceOffsets []segment.Segment `json:"source_offsets"`

	// CriticalValues holds one value per merged source segment.
	CriticalValues [][]byte `json:"critical_values"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{
		Origin:         r.Origin,
		Belong:         r.Belong,
		SourceOffsets:  segment.Clone(r.SourceOffsets),
		CriticalValues: cloneValues(r.CriticalValues),
	}
	return out
}

// SameValues reports whether two value tuples are byte-for-byte equal.
func SameValues(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func cloneValues(values [][]byte) [][]byte {
	if values == nil {
		return nil
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = bytes.Clone(v)
		if out[i] == nil {
			out[i] = []byte{}
		}
	}
	return out
}

// bucket holds the records of one fingerprint in insertion order.
type bucket struct {
	fp      segment.Fingerprint
	records []Record
}

// table is the guarded fingerprint map.
type table map[string]*bucket

// recentSet remembers recently added value identities.
type recentSet struct {
	keys     map[string]struct{}
	capacity int
}
