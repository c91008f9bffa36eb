package extent

import "errors"

// Error taxonomy (spec.md §7).
var (
	// ErrInvalidArgument marks an illegal min_len/max_len combination.
	ErrInvalidArgument = errors.New("extent: invalid argument")

	// ErrNoSpace marks a search that found no qualifying free run.
	ErrNoSpace = errors.New("extent: no space")

	// ErrOutOfRange marks a free_extent call referencing blocks outside the
	// managed region.
	ErrOutOfRange = errors.New("extent: out of range")

	// ErrDoubleFree marks a free_extent call where some bit in the range is
	// already free.
	ErrDoubleFree = errors.New("extent: double free")

	// ErrIO marks an underlying block device operation failure.
	ErrIO = errors.New("extent: io error")
)
