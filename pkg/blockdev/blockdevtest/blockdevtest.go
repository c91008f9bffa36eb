// Package blockdevtest provides an in-memory fault-injecting block device
// for exercising journal and extent-allocator crash scenarios without a
// real disk.
//
// Fake wraps a plain byte slice and injects the failure classes spec.md §7
// names for this layer: IoError on read or write, partial ("torn") writes,
// and fsync failure. It is a trimmed analogue of internal/fs.Chaos, scoped
// to the fault classes the journal/extent failure table actually needs
// rather than the full filesystem fault surface Chaos covers.
package blockdevtest

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/blockfs-core/blockfs/pkg/blockdev"
)

// ErrInjected marks an error as deliberately injected by Fake, mirroring
// internal/fs.ChaosError so tests can tell injected faults apart from bugs.
type ErrInjected struct{ Err error }

func (e *ErrInjected) Error() string { return "blockdevtest: injected: " + e.Err.Error() }
func (e *ErrInjected) Unwrap() error { return e.Err }

// IsInjected reports whether err was produced by Fake's fault injection.
func IsInjected(err error) bool {
	var injected *ErrInjected
	return errors.As(err, &injected)
}

// FaultConfig controls injection rates, each in [0.0, 1.0].
type FaultConfig struct {
	// ReadFailRate fails ReadBlock entirely.
	ReadFailRate float64

	// WriteFailRate fails WriteBlock entirely, writing nothing.
	WriteFailRate float64

	// TornWriteRate writes only a random truncated prefix of the block
	// before returning an error, simulating a torn write that a crash
	// interrupted mid-sector.
	TornWriteRate float64

	// SyncFailRate fails Sync, leaving prior writes present in the backing
	// store (as real writes would be) but not reported durable.
	SyncFailRate float64
}

// Fake is an in-memory blockdev.Interface with injectable faults.
//
// Safe for concurrent use. Faults are decided independently per call using
// a seeded *rand.Rand, so a given seed reproduces the same fault sequence.
type Fake struct {
	mu      sync.Mutex
	blocks  int
	data    []byte
	rng     *rand.Rand
	faults  FaultConfig
	synced  []byte // snapshot as of the last successful Sync, for crash-replay tests
	syncErr int64
}

// New creates a Fake backing store of the given block count, all zeroed.
func New(blocks int, seed int64, faults FaultConfig) *Fake {
	data := make([]byte, blocks*blockdev.BlockSize)

	return &Fake{
		blocks: blocks,
		data:   data,
		rng:    rand.New(rand.NewSource(seed)),
		faults: faults,
		synced: append([]byte(nil), data...),
	}
}

var _ blockdev.Interface = (*Fake)(nil)

// SetFaults replaces the active fault configuration, letting a test
// tighten or relax injection rates mid-scenario (e.g. forcing every write
// to fail right before a commit, then clearing faults to simulate the
// reboot that follows a crash).
func (f *Fake) SetFaults(faults FaultConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = faults
}

func (f *Fake) chance(p float64) bool {
	if p <= 0 {
		return false
	}

	return f.rng.Float64() < p
}

// ReadBlock reads block n, optionally injecting a full read failure.
func (f *Fake) ReadBlock(n uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(n) >= f.blocks {
		return nil, fmt.Errorf("blockdevtest: block %d out of range (blocks=%d)", n, f.blocks)
	}

	if f.chance(f.faults.ReadFailRate) {
		return nil, &ErrInjected{Err: fmt.Errorf("read block %d: simulated I/O error", n)}
	}

	off := int(n) * blockdev.BlockSize
	out := make([]byte, blockdev.BlockSize)
	copy(out, f.data[off:off+blockdev.BlockSize])

	return out, nil
}

// WriteBlock writes block n, optionally injecting a full or torn write
// failure. A torn write still mutates the backing store's visible content
// (a prefix of it), exactly as a real torn write would.
func (f *Fake) WriteBlock(n uint32, data []byte) error {
	if len(data) != blockdev.BlockSize {
		return fmt.Errorf("blockdevtest: write block %d: payload is %d bytes, want %d", n, len(data), blockdev.BlockSize)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if int(n) >= f.blocks {
		return fmt.Errorf("blockdevtest: block %d out of range (blocks=%d)", n, f.blocks)
	}

	off := int(n) * blockdev.BlockSize

	if f.chance(f.faults.WriteFailRate) {
		return &ErrInjected{Err: fmt.Errorf("write block %d: simulated I/O error", n)}
	}

	if f.chance(f.faults.TornWriteRate) {
		torn := f.rng.Intn(blockdev.BlockSize)
		copy(f.data[off:off+torn], data[:torn])

		return &ErrInjected{Err: fmt.Errorf("write block %d: torn write, %d/%d bytes landed", n, torn, blockdev.BlockSize)}
	}

	copy(f.data[off:off+blockdev.BlockSize], data)

	return nil
}

// Sync snapshots the current backing store as durable, optionally injecting
// a failure (in which case the snapshot is not advanced).
func (f *Fake) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chance(f.faults.SyncFailRate) {
		f.syncErr++
		return &ErrInjected{Err: errors.New("sync: simulated I/O error")}
	}

	copy(f.synced, f.data)

	return nil
}

// CrashBeforeSync discards any writes since the last successful Sync,
// simulating a crash that loses everything not yet fsynced. Used by tests
// to assert recovery after a mid-transaction crash.
func (f *Fake) CrashBeforeSync() {
	f.mu.Lock()
	defer f.mu.Unlock()

	copy(f.data, f.synced)
}
