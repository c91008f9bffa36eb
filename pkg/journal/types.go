package journal

// TxState is a transaction's lifecycle state (spec.md §4.1.4).
type TxState uint8

const (
	// TxActive is the initial state. write_block/commit/abort all apply.
	TxActive TxState = iota

	// TxCommitted is terminal: the transaction's writes are durable in the
	// journal.
	TxCommitted

	// TxAborted is terminal: the transaction's writes were discarded
	// without any journal I/O.
	TxAborted
)

// String renders the state for logging and test failure messages.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// pendingWrite is one buffered write_block call, not yet journaled.
type pendingWrite struct {
	target  uint32
	payload []byte
}

// Stats is a point-in-time snapshot of the journal region, always
// recomputed from Manager state and never itself authoritative (mirrors
// [Manager.Stats]'s counterpart in the extent package's Stats).
type Stats struct {
	Head               uint32
	Tail               uint32
	Sequence           uint64
	TotalBlocks        uint32
	AvailableSlots     uint32
	ActiveTransactions int
}
