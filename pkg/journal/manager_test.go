package journal_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
	"github.com/blockfs-core/blockfs/pkg/blockdev/blockdevtest"
	"github.com/blockfs-core/blockfs/pkg/journal"
)

// formattedDev returns a Fake with a valid journal superblock written at
// block 0, head=tail=1 (slot 0 reserved for the superblock), blocks total
// slots, plus a data region of dataBlocks blocks starting right after the
// journal region.
func formattedDev(t *testing.T, blocks uint32, dataBlocks uint32) *blockdevtest.Fake {
	t.Helper()

	dev := blockdevtest.New(int(blocks+dataBlocks), 1, blockdevtest.FaultConfig{})

	sb := diskfmt.Superblock{
		Magic:       diskfmt.MagicSuperblock,
		Version:     diskfmt.SuperblockVersion,
		BlockSize:   blockdev.BlockSize,
		TotalBlocks: blocks,
		Sequence:    0,
		Head:        1,
		Tail:        1,
	}

	if err := dev.WriteBlock(0, diskfmt.EncodeSuperblock(sb)); err != nil {
		t.Fatalf("writing superblock: %v", err)
	}

	if err := dev.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	return dev
}

func payload(b byte) []byte {
	buf := make([]byte, blockdev.BlockSize)
	for i := range buf {
		buf[i] = b
	}

	return buf
}

// S1. Basic commit durability.
func Test_Commit_Writes_Headers_Payloads_Commit_And_Advances_Tail(t *testing.T) {
	t.Parallel()

	const journalBlocks = 64
	const dataBlocks = 1000

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	if err := tx.WriteBlock(journalBlocks+100, payload(0xAA)); err != nil {
		t.Fatalf("WriteBlock target=100: %v", err)
	}

	if err := tx.WriteBlock(journalBlocks+200, payload(0xBB)); err != nil {
		t.Fatalf("WriteBlock target=200: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if tx.State() != journal.TxCommitted {
		t.Fatalf("tx.State() = %v, want Committed", tx.State())
	}

	stats := m.Stats()
	if stats.Tail != 6 { // head(1) + 5 slots (hdr,payload,hdr,payload,commit)
		t.Fatalf("tail = %d, want 6", stats.Tail)
	}

	// Slot 1: data header for target 100.
	raw, err := dev.ReadBlock(1)
	if err != nil {
		t.Fatalf("reading slot 1: %v", err)
	}

	h1, err := diskfmt.DecodeDataHeader(raw)
	if err != nil {
		t.Fatalf("decoding slot 1: %v", err)
	}

	if h1.Magic != diskfmt.MagicDataHeader || h1.Target != journalBlocks+100 {
		t.Fatalf("slot 1 header = %+v, want target=%d", h1, journalBlocks+100)
	}

	// Slot 2: payload 0xAA.
	raw, err = dev.ReadBlock(2)
	if err != nil {
		t.Fatalf("reading slot 2: %v", err)
	}

	if !bytes.Equal(raw, payload(0xAA)) {
		t.Fatal("slot 2 payload does not match written 0xAA content")
	}

	// Slot 3: data header for target 200.
	raw, err = dev.ReadBlock(3)
	if err != nil {
		t.Fatalf("reading slot 3: %v", err)
	}

	h2, err := diskfmt.DecodeDataHeader(raw)
	if err != nil {
		t.Fatalf("decoding slot 3: %v", err)
	}

	if h2.Target != journalBlocks+200 {
		t.Fatalf("slot 3 target = %d, want %d", h2.Target, journalBlocks+200)
	}

	// Slot 5: commit record.
	raw, err = dev.ReadBlock(5)
	if err != nil {
		t.Fatalf("reading slot 5: %v", err)
	}

	commit, err := diskfmt.DecodeCommitRecord(raw)
	if err != nil {
		t.Fatalf("decoding slot 5: %v", err)
	}

	if commit.Magic != diskfmt.MagicCommit || commit.TxnID != tx.ID() || commit.NumBlocks != 2 {
		t.Fatalf("commit record = %+v, want txn_id=%d num_blocks=2", commit, tx.ID())
	}

	// Superblock persisted with the new tail.
	sbRaw, err := dev.ReadBlock(0)
	if err != nil {
		t.Fatalf("reading superblock: %v", err)
	}

	sb, err := diskfmt.DecodeSuperblock(sbRaw)
	if err != nil {
		t.Fatalf("decoding superblock: %v", err)
	}

	if sb.Tail != 6 {
		t.Fatalf("persisted superblock tail = %d, want 6", sb.Tail)
	}
}

// S2. Crash-before-commit discard.
func Test_Recover_Discards_Uncommitted_Writes_After_Crash(t *testing.T) {
	t.Parallel()

	const journalBlocks = 64
	const dataBlocks = 1000

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	if err := tx.WriteBlock(journalBlocks+100, payload(0xAA)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.WriteBlock(journalBlocks+200, payload(0xBB)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	// Manually replicate the first steps of Commit (write header+payload
	// pairs) without ever writing the commit record or advancing the
	// superblock, simulating a crash mid-commit.
	h := diskfmt.EncodeDataHeader(diskfmt.DataHeader{
		Magic:  diskfmt.MagicDataHeader,
		Target: journalBlocks + 100,
	})

	if err := dev.WriteBlock(1, h); err != nil {
		t.Fatalf("writing partial header: %v", err)
	}

	if err := dev.WriteBlock(2, payload(0xAA)); err != nil {
		t.Fatalf("writing partial payload: %v", err)
	}

	// Discard tx's in-memory bookkeeping; a fresh manager reopens as if
	// after a crash and reboot.
	_ = tx

	m2, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}

	count, err := m2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if count != 0 {
		t.Fatalf("Recover count = %d, want 0 (no commit record was written)", count)
	}

	target100, err := dev.ReadBlock(journalBlocks + 100)
	if err != nil {
		t.Fatalf("reading target 100: %v", err)
	}

	if bytes.Equal(target100, payload(0xAA)) {
		t.Fatal("target 100 should be unchanged; the write was never committed")
	}
}

// S3. Checkpoint applies and frees.
func Test_Checkpoint_Applies_Writes_And_Advances_Head(t *testing.T) {
	t.Parallel()

	const journalBlocks = 64
	const dataBlocks = 1000

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	target1 := uint32(journalBlocks + 100)
	target2 := uint32(journalBlocks + 200)

	if err := tx.WriteBlock(target1, payload(0xAA)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.WriteBlock(target2, payload(0xBB)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	beforeSeq := m.Stats().Sequence

	if err := m.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	got1, err := dev.ReadBlock(target1)
	if err != nil {
		t.Fatalf("reading target1: %v", err)
	}

	if !bytes.Equal(got1, payload(0xAA)) {
		t.Fatal("target1 does not contain 0xAA after checkpoint")
	}

	got2, err := dev.ReadBlock(target2)
	if err != nil {
		t.Fatalf("reading target2: %v", err)
	}

	if !bytes.Equal(got2, payload(0xBB)) {
		t.Fatal("target2 does not contain 0xBB after checkpoint")
	}

	stats := m.Stats()
	if stats.Head != stats.Tail {
		t.Fatalf("head(%d) != tail(%d) after checkpoint", stats.Head, stats.Tail)
	}

	if stats.Sequence != beforeSeq+1 {
		t.Fatalf("sequence = %d, want %d", stats.Sequence, beforeSeq+1)
	}
}

func Test_Checkpoint_Invokes_Invalidate_Callback(t *testing.T) {
	t.Parallel()

	const journalBlocks = 32
	const dataBlocks = 100

	dev := formattedDev(t, journalBlocks, dataBlocks)

	var invalidated []uint32

	m, err := journal.Open(dev, 0, journalBlocks, journal.WithInvalidateFunc(func(target uint32) {
		invalidated = append(invalidated, target)
	}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	target := uint32(journalBlocks + 5)
	if err := tx.WriteBlock(target, payload(0x11)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := m.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if len(invalidated) != 1 || invalidated[0] != target {
		t.Fatalf("invalidated = %v, want [%d]", invalidated, target)
	}
}

func Test_Checkpoint_Invalidate_Panic_Does_Not_Fail_Operation(t *testing.T) {
	t.Parallel()

	const journalBlocks = 32
	const dataBlocks = 100

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks, journal.WithInvalidateFunc(func(uint32) {
		panic("boom")
	}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()
	if err := tx.WriteBlock(journalBlocks+1, payload(0x22)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := m.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint should not fail when the invalidate callback panics: %v", err)
	}
}

// Invariant 8 / S8: a second Recover without an intervening Checkpoint
// replays the same transactions again.
func Test_Recover_Without_Checkpoint_Is_Idempotent_Across_Calls(t *testing.T) {
	t.Parallel()

	const journalBlocks = 32
	const dataBlocks = 100

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	target := uint32(journalBlocks + 10)
	if err := tx.WriteBlock(target, payload(0x55)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	count1, err := m.Recover()
	if err != nil {
		t.Fatalf("first Recover: %v", err)
	}

	if count1 != 1 {
		t.Fatalf("first Recover count = %d, want 1", count1)
	}

	count2, err := m.Recover()
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}

	if count2 != 1 {
		t.Fatalf("second Recover count = %d, want 1 (replay is idempotent w.r.t. correctness, not a no-op)", count2)
	}

	got, err := dev.ReadBlock(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}

	if !bytes.Equal(got, payload(0x55)) {
		t.Fatal("target does not contain the recovered payload")
	}
}

// Invariant 7: checkpoint is a no-op when head == tail.
func Test_Checkpoint_Is_NoOp_On_Empty_Region(t *testing.T) {
	t.Parallel()

	const journalBlocks = 16
	const dataBlocks = 10

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	before := m.Stats()

	if err := m.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	after := m.Stats()

	if after.Head != before.Head || after.Tail != before.Tail {
		t.Fatalf("head/tail changed on empty-region checkpoint: before=%+v after=%+v", before, after)
	}

	if after.Sequence != before.Sequence {
		t.Fatalf("sequence = %d, want %d (an empty-region checkpoint leaves the sequence unchanged)", after.Sequence, before.Sequence)
	}
}

// Invariant 8 (journal half): Recover returns 0 when head == tail.
func Test_Recover_Returns_Zero_When_Region_Empty(t *testing.T) {
	t.Parallel()

	const journalBlocks = 16
	const dataBlocks = 10

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	count, err := m.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if count != 0 {
		t.Fatalf("Recover on empty region = %d, want 0", count)
	}
}

func Test_Open_Rejects_Too_Few_Blocks(t *testing.T) {
	t.Parallel()

	dev := blockdevtest.New(4, 1, blockdevtest.FaultConfig{})

	if _, err := journal.Open(dev, 0, 1); err == nil {
		t.Fatal("expected ErrInvalidArgument for blocks < 2")
	}
}

func Test_Open_Rejects_Bad_Magic(t *testing.T) {
	t.Parallel()

	dev := blockdevtest.New(16, 1, blockdevtest.FaultConfig{})

	// Never wrote a superblock: slot 0 is all zeros, magic mismatches.
	if _, err := journal.Open(dev, 0, 16); err == nil {
		t.Fatal("expected ErrInvalidFormat for bad magic")
	}
}

// Legacy compatibility: head=tail=0 on load is rewritten to 1,1.
func Test_Open_Rewrites_Legacy_Zero_Head_Tail(t *testing.T) {
	t.Parallel()

	dev := blockdevtest.New(32, 1, blockdevtest.FaultConfig{})

	sb := diskfmt.Superblock{
		Magic:       diskfmt.MagicSuperblock,
		Version:     diskfmt.SuperblockVersion,
		BlockSize:   blockdev.BlockSize,
		TotalBlocks: 32,
		Head:        0,
		Tail:        0,
	}

	if err := dev.WriteBlock(0, diskfmt.EncodeSuperblock(sb)); err != nil {
		t.Fatalf("writing legacy superblock: %v", err)
	}

	m, err := journal.Open(dev, 0, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	stats := m.Stats()
	if stats.Head != 1 || stats.Tail != 1 {
		t.Fatalf("head=%d tail=%d, want 1,1 after legacy rewrite", stats.Head, stats.Tail)
	}
}

// Invariant 5: available slots formula and the H=T-empty equivalence.
func Test_Stats_AvailableSlots_Matches_Formula(t *testing.T) {
	t.Parallel()

	const journalBlocks = 16
	const dataBlocks = 10

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	stats := m.Stats()
	if stats.Head != stats.Tail {
		t.Fatal("fresh journal should be empty (head == tail)")
	}

	want := (stats.Head - stats.Tail - 1 + journalBlocks) % journalBlocks
	if stats.AvailableSlots != want {
		t.Fatalf("AvailableSlots = %d, want %d", stats.AvailableSlots, want)
	}
}

func Test_Commit_Fails_Full_When_Region_Cannot_Reserve_Slots(t *testing.T) {
	t.Parallel()

	const journalBlocks = 4 // only head..n-1 slots, tiny region
	const dataBlocks = 100

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m.BeginTransaction()

	// 2 writes need 2*2+1 = 5 slots; only 3 are available
	// ((head - tail - 1) mod n = (1 - 1 - 1) mod 4 = 3).
	for i := 0; i < 2; i++ {
		if err := tx.WriteBlock(journalBlocks+uint32(i), payload(byte(i))); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}

	if err := tx.Commit(); err == nil {
		t.Fatal("expected ErrFull")
	}
}

func Test_Empty_Transaction_Commit_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	const journalBlocks = 16
	const dataBlocks = 10

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	before := m.Stats()

	tx := m.BeginTransaction()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit of empty transaction: %v", err)
	}

	after := m.Stats()
	if before.Tail != after.Tail {
		t.Fatalf("tail moved on empty commit: %d -> %d", before.Tail, after.Tail)
	}

	if tx.State() != journal.TxCommitted {
		t.Fatalf("tx.State() = %v, want Committed", tx.State())
	}
}

func Test_Reopen_Produces_Identical_Stats_As_Before_Close(t *testing.T) {
	t.Parallel()

	const journalBlocks = 32
	const dataBlocks = 50

	dev := formattedDev(t, journalBlocks, dataBlocks)

	m1, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := m1.BeginTransaction()
	if err := tx.WriteBlock(journalBlocks+5, payload(0x11)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	want := m1.Stats()

	m2, err := journal.Open(dev, 0, journalBlocks)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got := m2.Stats()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Stats mismatch after reopen (-want +got):\n%s", diff)
	}
}
