// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package segment

import "sort"

// MergeOffsets returns the union of two operand offset lists.
//
// Description:
//
//	Used when a condition's primary and secondary operand offsets are
//	combined. Unlike MergeContiguous this sorts by Begin and coalesces
//	overlapping ranges, since the two lists were collected independently.
//	A coalesced range is signed only if all of its parts were signed.
//	Adjacent but non-overlapping ranges stay separate so that the
//	contiguity pattern remains visible to MergeContiguous.
//
// Inputs:
//
//	a - Primary operand offsets.
//	b - Secondary operand offsets.
//
// Outputs:
//
//	[]Segment - The union. If either side is empty, a copy of the other.
func MergeOffsets(a, b []Segment) []Segment {
	if len(a) == 0 {
		return Clone(b)
	}
	if len(b) == 0 {
		return Clone(a)
	}

	all := make([]Segment, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Begin < all[j].Begin
	})

	out := make([]Segment, 0, len(all))
	current := all[0]
	for _, next := range all[1:] {
		if next.Begin < current.End {
			current.End = max(current.End, next.End)
			current.Sign = current.Sign && next.Sign
			continue
		}
		out = append(out, current)
		current = next
	}
	return append(out, current)
}
