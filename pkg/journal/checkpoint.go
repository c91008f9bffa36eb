package journal

import (
	"fmt"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
)

// Checkpoint applies every journaled write between head and tail to its
// target location, fsyncs, advances head to the snapshotted tail, and
// increments the sequence counter (spec.md §4.1.3). On an empty region
// (head == tail) it returns without any I/O and leaves the sequence as is.
//
// Checkpoint snapshots head/tail under lock and releases it before the
// walk, so concurrent commits beyond the snapshotted tail proceed without
// blocking on the checkpoint's I/O — and are simply left for the next
// checkpoint to apply.
func (m *Manager) Checkpoint() error {
	m.ckptMu.Lock()
	defer m.ckptMu.Unlock()

	m.sbMu.Lock()
	head, tail := m.head, m.tail
	m.sbMu.Unlock()

	if head == tail {
		return nil
	}

	cur := head

	for steps := uint32(0); cur != tail && steps < m.n; steps++ {
		raw, err := m.dev.ReadBlock(m.slot(cur))
		if err != nil {
			return fmt.Errorf("%w: reading slot %d: %w", ErrIO, cur, err)
		}

		switch diskfmt.MagicFromBlock(raw) {
		case diskfmt.MagicDataHeader:
			header, err := diskfmt.DecodeDataHeader(raw)
			if err != nil {
				return fmt.Errorf("%w: decoding data header at slot %d: %w", ErrIO, cur, err)
			}

			payloadSlot := (cur + 1) % m.n

			payload, err := m.dev.ReadBlock(m.slot(payloadSlot))
			if err != nil {
				return fmt.Errorf("%w: reading payload at slot %d: %w", ErrIO, payloadSlot, err)
			}

			if err := m.dev.WriteBlock(header.Target, payload); err != nil {
				return fmt.Errorf("%w: applying block %d: %w", ErrIO, header.Target, err)
			}

			m.notifyInvalidate(header.Target)

			cur = (cur + 2) % m.n

		case diskfmt.MagicCommit:
			// Commit records carry no target of their own; checkpoint
			// just steps past them (spec.md §4.1.3: "log/skip").
			cur = (cur + 1) % m.n

		default:
			// Unlike Recover, Checkpoint does not treat unrecognized
			// content as a stop signal — it simply advances, per spec.md
			// §4.1.3's "other: advance by 1".
			cur = (cur + 1) % m.n
		}
	}

	if err := m.dev.Sync(); err != nil {
		return fmt.Errorf("%w: fsync after applying writes: %w", ErrIO, err)
	}

	m.sbMu.Lock()
	m.head = tail
	m.sequence++
	newSeq := m.sequence
	err := m.persistSuperblockLocked()
	m.sbMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: persisting superblock: %w", ErrIO, err)
	}

	m.logger.Debug("journal: checkpoint complete", "head", tail, "sequence", newSeq)

	return nil
}
