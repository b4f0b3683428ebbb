// Package slotrange compacts slot sets into ranges and computes the gaps
// between them.
package slotrange

import "sort"

// Range is an inclusive span of slots.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Size returns the number of slots covered by the range.
func (r Range) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Gap is a run of missing slots.
type Gap struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Size  uint64 `json:"size"`
}

// Compact turns an arbitrary slot list into sorted, merged ranges.
// Duplicates are ignored.
func Compact(slots []uint64) []Range {
	if len(slots) == 0 {
		return nil
	}

	sorted := make([]uint64, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := []Range{{Start: sorted[0], End: sorted[0]}}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		switch {
		case s <= last.End:
			// duplicate
		case s == last.End+1:
			last.End = s
		default:
			out = append(out, Range{Start: s, End: s})
		}
	}
	return out
}

// Merge sorts and coalesces overlapping or adjacent ranges.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Expand lists every slot covered by the ranges in ascending order.
func Expand(ranges []Range) []uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Size()
	}

	out := make([]uint64, 0, total)
	for _, r := range Merge(ranges) {
		for s := r.Start; s <= r.End; s++ {
			out = append(out, s)
			if s == r.End {
				break
			}
		}
	}
	return out
}

// Gaps returns the holes between ranges, bounded by the lowest start and
// the highest end. The input does not need to be sorted.
func Gaps(ranges []Range) []Gap {
	merged := Merge(ranges)
	var gaps []Gap
	for i := 1; i < len(merged); i++ {
		start := merged[i-1].End + 1
		end := merged[i].Start - 1
		gaps = append(gaps, Gap{Start: start, End: end, Size: end - start + 1})
	}
	return gaps
}

// Count returns the total number of slots in the gaps.
func Count(gaps []Gap) uint64 {
	var n uint64
	for _, g := range gaps {
		n += g.Size
	}
	return n
}
