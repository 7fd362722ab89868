// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package segment models tainted byte ranges of a fuzzer input.
//
// A Segment is a half-open range [Begin, End) of input bytes that influences a
// branch condition. Lists of segments arrive in taint-collection traversal
// order and are never sorted by this package unless an operation says so.
//
// Thread Safety:
//
//	All types are plain values. Functions never retain or mutate their inputs.
package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is a half-open byte range [Begin, End) into an input buffer.
//
// Invariant: Begin <= End.
type Segment struct {
	// Begin is the first tainted byte offset.
	Begin uint32 `json:"begin"`

	// End is one past the last tainted byte offset.
	End uint32 `json:"end"`

	// Sign marks a signed comparison operand.
	Sign bool `json:"sign,omitempty"`
}

// Len returns the number of bytes covered by the segment.
func (s Segment) Len() uint32 {
	if s.End < s.Begin {
		return 0
	}
	return s.End - s.Begin
}

// String renders the segment as "[begin,end)".
func (s Segment) String() string {
	return fmt.Sprintf("[%d,%d)", s.Begin, s.End)
}

// Fingerprint is the structural shape of a segment list: the lengths of its
// merged contiguous runs, in traversal order.
type Fingerprint []uint32

// Key returns a stable string form usable as a map key, e.g. "5,2".
func (f Fingerprint) Key() string {
	parts := make([]string, len(f))
	for i, n := range f {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, ",")
}

// String renders the fingerprint as "[5 2]".
func (f Fingerprint) String() string {
	return fmt.Sprint([]uint32(f))
}

// Equal reports element-wise equality.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders fingerprints element-wise; a strict prefix sorts first.
//
// Outputs:
//
//	int - Negative if f < other, zero if equal, positive if f > other.
func (f Fingerprint) Compare(other Fingerprint) int {
	n := min(len(f), len(other))
	for i := 0; i < n; i++ {
		switch {
		case f[i] < other[i]:
			return -1
		case f[i] > other[i]:
			return 1
		}
	}
	return len(f) - len(other)
}

// Sum returns the total byte size covered by the fingerprint.
func (f Fingerprint) Sum() uint64 {
	var total uint64
	for _, n := range f {
		total += uint64(n)
	}
	return total
}

// ParseFingerprint parses the output of Fingerprint.Key.
func ParseFingerprint(key string) (Fingerprint, error) {
	if key == "" {
		return Fingerprint{}, nil
	}
	parts := strings.Split(key, ",")
	fp := make(Fingerprint, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse fingerprint %q: %w", key, err)
		}
		fp[i] = uint32(n)
	}
	return fp, nil
}

// MergeContiguous merges segments whose End equals the next segment's Begin.
//
// Description:
//
//	Walks the list in the given order and produces one output segment per
//	maximal run of strictly adjacent segments. No sorting and no gap
//	tolerance: a list that is not already in positional order merges
//	exactly as it was collected. Sign of a merged run is taken from its
//	first segment.
//
// Inputs:
//
//	segs - Segments in taint-collection traversal order. May be empty.
//
// Outputs:
//
//	[]Segment - Merged segments. Empty input yields an empty (non-nil) slice.
func MergeContiguous(segs []Segment) []Segment {
	merged := make([]Segment, 0, len(segs))
	if len(segs) == 0 {
		return merged
	}

	current := segs[0]
	for _, next := range segs[1:] {
		if current.End == next.Begin {
			current.End = next.End
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}

// FingerprintOf merges the segments and returns the lengths of the runs.
func FingerprintOf(segs []Segment) Fingerprint {
	merged := MergeContiguous(segs)
	fp := make(Fingerprint, len(merged))
	for i, s := range merged {
		fp[i] = s.Len()
	}
	return fp
}

// ExtractValues copies the bytes under each merged segment out of buf.
//
// Description:
//
//	Produces exactly one value per merged segment, each exactly as long as
//	its segment. Segments fully inside buf are copied, segments that run
//	past the end keep the available prefix and are zero-padded, segments
//	entirely outside buf are zero-filled.
//
// Inputs:
//
//	segs - Segments in traversal order.
//	buf - Input buffer. Not modified.
//
// Outputs:
//
//	[][]byte - One freshly allocated value per merged segment.
func ExtractValues(segs []Segment, buf []byte) [][]byte {
	merged := MergeContiguous(segs)
	values := make([][]byte, len(merged))
	for i, s := range merged {
		value := make([]byte, s.Len())
		if int(s.Begin) < len(buf) {
			end := min(int(s.End), len(buf))
			copy(value, buf[s.Begin:end])
		}
		values[i] = value
	}
	return values
}

// Splice overwrites the target segments of buf with values.
//
// Description:
//
//	Grows buf with zero bytes when the furthest segment ends past its
//	length, then copies min(len(value), seg.Len()) bytes of each value into
//	its segment. Overlong values are truncated, short values leave the tail
//	of the segment untouched.
//
// Inputs:
//
//	buf - Buffer to splice into. May be reallocated when grown.
//	segs - Merged target segments.
//	values - One value per target segment.
//
// Outputs:
//
//	[]byte - The spliced buffer.
//	bool - False when len(values) != len(segs); buf is then returned unchanged.
func Splice(buf []byte, segs []Segment, values [][]byte) ([]byte, bool) {
	if len(segs) != len(values) {
		return buf, false
	}

	var maxEnd int
	for _, s := range segs {
		maxEnd = max(maxEnd, int(s.End))
	}
	if maxEnd > len(buf) {
		grown := make([]byte, maxEnd)
		copy(grown, buf)
		buf = grown
	}

	for i, s := range segs {
		n := min(len(values[i]), int(s.Len()))
		copy(buf[s.Begin:int(s.Begin)+n], values[i][:n])
	}
	return buf, true
}

// Overlaps reports whether any of the byte offsets falls inside a segment.
func Overlaps(segs []Segment, offsets []uint32) bool {
	for _, off := range offsets {
		for _, s := range segs {
			if off >= s.Begin && off < s.End {
				return true
			}
		}
	}
	return false
}

// Clone returns a copy of segs that shares no memory with the input.
func Clone(segs []Segment) []Segment {
	if segs == nil {
		return nil
	}
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out
}
