package pe

import "sort"

// StreamRange is a half-open [Position, Position+Size) interval on the
// underlying stream.
type StreamRange struct {
	Position uint64
	Size     uint64
}

// End returns the first byte past the range.
func (r StreamRange) End() uint64 {
	return r.Position + r.Size
}

// ComputeHashInfo is the ordered, coalesced list of byte ranges that
// contribute to the Authenticode image digest. CodeOffset and CodeSize are
// used by other container formats and stay zero for PE images.
type ComputeHashInfo struct {
	Ranges     []StreamRange
	CodeOffset uint64
	CodeSize   uint64
}

type byPosition []StreamRange

func (s byPosition) Len() int           { return len(s) }
func (s byPosition) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byPosition) Less(i, j int) bool { return s[i].Position < s[j].Position }

func sortRanges(ranges []StreamRange) {
	sort.Stable(byPosition(ranges))
}

// invertRanges returns the complement of excluded within [0, universe).
// excluded must be sorted ascending, non-overlapping and contained in the
// universe; empty gaps are not emitted.
func invertRanges(universe uint64, excluded []StreamRange) []StreamRange {
	included := make([]StreamRange, 0, len(excluded)+1)
	cursor := uint64(0)
	for _, r := range excluded {
		if r.Position > cursor {
			included = append(included, StreamRange{Position: cursor, Size: r.Position - cursor})
		}
		cursor = r.End()
	}
	if universe > cursor {
		included = append(included, StreamRange{Position: cursor, Size: universe - cursor})
	}
	return included
}

// mergeNeighbors coalesces entries whose end touches the next entry's start.
// The input must already be in stream order; it is never re-sorted.
func mergeNeighbors(ranges []StreamRange) []StreamRange {
	if len(ranges) < 2 {
		return ranges
	}
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if last.End() == r.Position {
			last.Size += r.Size
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
