package extent

import "fmt"

// Extent is a contiguous run of blocks. Length is non-zero; Start may be 0,
// the first block the allocator manages (spec.md §3.2).
type Extent struct {
	Start  uint32
	Length uint32
}

// End returns the exclusive end block, start+length. Supplemented from
// original_source/rust_core/src/extent/types.rs's Extent::end.
func (e Extent) End() uint32 {
	return e.Start + e.Length
}

// Contains reports whether block lies within [Start, End()).
func (e Extent) Contains(block uint32) bool {
	return block >= e.Start && block < e.End()
}

// Overlaps reports whether e and other share any block.
func (e Extent) Overlaps(other Extent) bool {
	return e.Start < other.End() && other.Start < e.End()
}

// String renders the extent as "Extent[start, +length]", matching the
// Display impl in the original Rust source.
func (e Extent) String() string {
	return fmt.Sprintf("Extent[%d, +%d]", e.Start, e.Length)
}

// Stats is a point-in-time snapshot of allocator counters, always
// recomputable from the bitmap and never itself authoritative (spec.md
// §3.2 invariants).
type Stats struct {
	Total      uint32
	Free       uint32
	Allocated  uint32
	AllocCount uint64
	FreeCount  uint64
}

// Utilization returns Allocated/Total, or 0 when Total is 0. Supplemented
// from original_source's AllocStats::utilization.
func (s Stats) Utilization() float64 {
	if s.Total == 0 {
		return 0
	}

	return float64(s.Allocated) / float64(s.Total)
}
