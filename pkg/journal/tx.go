package journal

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
)

// Transaction buffers pending writes until Commit journals them atomically,
// or Abort discards them. Create via [Manager.BeginTransaction].
//
// A Transaction dropped while Active without Commit or Abort is not an
// error: its finalizer logs a diagnostic warning (no I/O, no implicit
// commit — spec.md §9), matching the "disposable even if the owner forgets"
// contract.
type Transaction struct {
	mgr *Manager
	id  uint64

	mu     sync.Mutex
	state  TxState
	writes []pendingWrite
}

// ID returns the transaction's monotonic id.
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.state
}

// WriteBlock appends (target, payload) to the transaction's pending-writes
// list. No I/O happens until Commit.
//
// Fails with ErrInvalidState if tx is not Active, ErrInvalidArgument if
// payload isn't exactly blockdev.BlockSize bytes.
func (tx *Transaction) WriteBlock(target uint32, payload []byte) error {
	if len(payload) != blockdev.BlockSize {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidArgument, len(payload), blockdev.BlockSize)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.id, tx.state)
	}

	buf := make([]byte, blockdev.BlockSize)
	copy(buf, payload)

	tx.writes = append(tx.writes, pendingWrite{target: target, payload: buf})

	return nil
}

// unregister removes tx from the manager's active-transaction table.
func (tx *Transaction) unregister() {
	tx.mgr.txMu.Lock()
	delete(tx.mgr.activeTx, tx.id)
	tx.mgr.txMu.Unlock()
}

// Abort discards pending writes and marks the transaction Aborted. No
// journal I/O happens, because nothing was ever written (spec.md §4.1).
func (tx *Transaction) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.id, tx.state)
	}

	tx.writes = nil
	tx.state = TxAborted
	tx.unregister()

	return nil
}

// Commit runs the atomic-append protocol (spec.md §4.1.1): reserve 2n+1
// slots, write each data-header/payload pair, write the commit record,
// persist the superblock, and fsync. Only after a successful fsync is the
// transaction durably Committed.
//
// An empty transaction (no pending writes) short-circuits: it is marked
// Committed with no I/O.
//
// Fails with ErrInvalidState if tx is not Active, ErrFull if the circular
// region cannot currently hold 2n+1 slots for its n pending writes (the
// caller should retry after Checkpoint).
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.id, tx.state)
	}

	if len(tx.writes) == 0 {
		tx.state = TxCommitted
		tx.unregister()

		return nil
	}

	mgr := tx.mgr

	mgr.commitMu.Lock()
	defer mgr.commitMu.Unlock()

	n := uint32(len(tx.writes))
	need := 2*n + 1

	mgr.sbMu.Lock()
	head, tail := mgr.head, mgr.tail
	mgr.sbMu.Unlock()

	if available(head, tail, mgr.n) < need {
		return fmt.Errorf("%w: need %d slots, have %d (head=%d tail=%d n=%d)", ErrFull, need, available(head, tail, mgr.n), head, tail, mgr.n)
	}

	cur := tail

	for _, w := range tx.writes {
		checksum := diskfmt.XORChecksum(w.payload)

		header := diskfmt.EncodeDataHeader(diskfmt.DataHeader{
			Magic:    diskfmt.MagicDataHeader,
			Target:   w.target,
			Checksum: checksum,
		})

		if err := mgr.dev.WriteBlock(mgr.slot(cur), header); err != nil {
			return fmt.Errorf("%w: writing data header: %w", ErrIO, err)
		}

		cur = (cur + 1) % mgr.n

		if err := mgr.dev.WriteBlock(mgr.slot(cur), w.payload); err != nil {
			return fmt.Errorf("%w: writing data payload: %w", ErrIO, err)
		}

		cur = (cur + 1) % mgr.n
	}

	commitChecksum := uint32(0)
	for _, w := range tx.writes {
		commitChecksum ^= diskfmt.XORChecksum(w.payload)
	}

	commit := diskfmt.EncodeCommitRecord(diskfmt.CommitRecord{
		Magic:     diskfmt.MagicCommit,
		TxnID:     tx.id,
		NumBlocks: n,
		Checksum:  commitChecksum,
	})

	if err := mgr.dev.WriteBlock(mgr.slot(cur), commit); err != nil {
		return fmt.Errorf("%w: writing commit record: %w", ErrIO, err)
	}

	newTail := (cur + 1) % mgr.n

	// persistSuperblockLocked's fsync is the single fsync spec.md §4.1.1
	// step 5 calls for; it covers the data/commit records written above
	// too, since they precede this write in program order on the same
	// descriptor.
	mgr.sbMu.Lock()
	mgr.tail = newTail
	persistErr := mgr.persistSuperblockLocked()
	if persistErr != nil {
		mgr.tail = tail // roll back; nothing was made durable
	}
	mgr.sbMu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("%w: persisting superblock: %w", ErrIO, persistErr)
	}

	tx.state = TxCommitted
	tx.unregister()

	mgr.logger.Debug("journal: committed", "txn_id", tx.id, "blocks", n, "tail", newTail)

	return nil
}

// armFinalizer registers a GC finalizer that logs a warning if tx is
// collected while still Active. It performs no I/O and never commits —
// spec.md §9: "The Drop/finalizer should log a warning; it must NOT
// implicitly commit... and must NOT perform I/O."
func armFinalizer(tx *Transaction, logger interface {
	Warn(msg string, args ...any)
}) {
	runtime.SetFinalizer(tx, func(tx *Transaction) {
		tx.mu.Lock()
		state := tx.state
		tx.mu.Unlock()

		if state == TxActive {
			logger.Warn("journal: transaction dropped while active", "txn_id", tx.id)
		}
	})
}
