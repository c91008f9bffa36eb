package journal

import (
	"fmt"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
)

// pendingRecovery is one data record seen during a scan, awaiting either
// application (on a commit record) or discard (on scan termination).
type pendingRecovery struct {
	target  uint32
	payload []byte
}

// Recover replays committed-but-unapplied transactions found between head
// and tail (spec.md §4.1.2). It does not advance head — a subsequent
// Checkpoint does that — so a second Recover call without an intervening
// Checkpoint replays the same transactions again (spec.md §8 invariant 8).
func (m *Manager) Recover() (int, error) {
	m.sbMu.Lock()
	head, tail := m.head, m.tail
	m.sbMu.Unlock()

	if head == tail {
		return 0, nil
	}

	recovered := 0

	var pending []pendingRecovery

	cur := head

	// Bound the scan to at most n slot-visits: a well-formed journal
	// always terminates at tail or an unrecognized magic well before
	// that, but this guards against a corrupt head/tail pair looping
	// forever.
	for steps := uint32(0); cur != tail && steps < m.n; steps++ {
		raw, err := m.dev.ReadBlock(m.slot(cur))
		if err != nil {
			return recovered, fmt.Errorf("%w: reading slot %d: %w", ErrIO, cur, err)
		}

		magic := diskfmt.MagicFromBlock(raw)

		switch magic {
		case diskfmt.MagicDataHeader:
			header, err := diskfmt.DecodeDataHeader(raw)
			if err != nil {
				return recovered, fmt.Errorf("%w: decoding data header at slot %d: %w", ErrIO, cur, err)
			}

			payloadSlot := (cur + 1) % m.n

			payload, err := m.dev.ReadBlock(m.slot(payloadSlot))
			if err != nil {
				return recovered, fmt.Errorf("%w: reading payload at slot %d: %w", ErrIO, payloadSlot, err)
			}

			if m.verifyChecksums && diskfmt.XORChecksum(payload) != header.Checksum {
				m.logger.Warn("journal: checksum mismatch, stopping recovery scan", "slot", cur)
				pending = nil

				cur = tail // stop the loop

				continue
			}

			pending = append(pending, pendingRecovery{target: header.Target, payload: payload})
			cur = (cur + 2) % m.n

		case diskfmt.MagicCommit:
			commit, err := diskfmt.DecodeCommitRecord(raw)
			if err != nil {
				return recovered, fmt.Errorf("%w: decoding commit record at slot %d: %w", ErrIO, cur, err)
			}

			if m.verifyChecksums {
				var want uint32
				for _, p := range pending {
					want ^= diskfmt.XORChecksum(p.payload)
				}

				if want != commit.Checksum {
					m.logger.Warn("journal: commit checksum mismatch, discarding", "slot", cur, "txn_id", commit.TxnID)
					pending = nil
					cur = (cur + 1) % m.n

					continue
				}
			}

			if len(pending) > 0 {
				for _, p := range pending {
					if err := m.dev.WriteBlock(p.target, p.payload); err != nil {
						return recovered, fmt.Errorf("%w: applying recovered write to block %d: %w", ErrIO, p.target, err)
					}

					m.notifyInvalidate(p.target)
				}

				recovered++
				pending = nil
			}

			cur = (cur + 1) % m.n

		default:
			m.logger.Debug("journal: recovery scan stopped at unrecognized magic", "slot", cur, "magic", magic)
			pending = nil

			cur = tail // stop scanning
		}
	}

	if err := m.dev.Sync(); err != nil {
		return recovered, fmt.Errorf("%w: fsync after recovery: %w", ErrIO, err)
	}

	m.logger.Debug("journal: recovery complete", "recovered", recovered)

	return recovered, nil
}

// notifyInvalidate invokes the registered buffer-cache invalidation
// callback, if any, swallowing any panic so a misbehaving callback never
// fails the journal operation (spec.md §6.5: "best-effort and must not
// fail the journal operation").
func (m *Manager) notifyInvalidate(target uint32) {
	if m.invalidate == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("journal: invalidate callback panicked", "target", target, "recovered", r)
		}
	}()

	m.invalidate(target)
}
