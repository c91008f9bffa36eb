package journal

import "errors"

// Error taxonomy (spec.md §7). Wrap these with fmt.Errorf("%w: ...") at
// call sites, the way pkg/mddb/errors.go and pkg/mddb/tx.go do.
var (
	// ErrInvalidArgument marks illegal sizes or malformed inputs.
	ErrInvalidArgument = errors.New("journal: invalid argument")

	// ErrInvalidFormat marks an on-disk magic mismatch or impossible head/tail.
	ErrInvalidFormat = errors.New("journal: invalid format")

	// ErrInvalidState marks an operation attempted on a Committed or Aborted
	// transaction.
	ErrInvalidState = errors.New("journal: invalid state")

	// ErrFull marks a commit that cannot reserve enough circular-region slots.
	ErrFull = errors.New("journal: full")

	// ErrIO marks an underlying block device operation failure.
	ErrIO = errors.New("journal: io error")
)
