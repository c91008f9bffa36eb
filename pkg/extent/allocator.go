// Package extent implements a bitmap-backed free-space manager that
// allocates and releases contiguous runs of blocks, with fragmentation
// metrics and on-device bitmap persistence (spec.md §4.2).
//
// The first-fit search and fragmentation formula are grounded on
// original_source/rust_core/src/extent/mod.rs (find_consecutive_free,
// fragmentation_ratio); the bitmap encode/decode discipline follows
// internal/diskfmt, itself grounded on pkg/slotcache/format.go's
// fixed-offset encoders.
package extent

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
)

// Option configures an Allocator at Open time.
type Option func(*Allocator)

// WithLogger sets the logger used for operator diagnostics, mirroring
// journal.WithLogger. Default is slog.Default(), which a nil l leaves in
// place.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Allocator is the Extent Allocator (spec.md §4.2). dev is borrowed from
// the caller, as in journal.Manager.
type Allocator struct {
	dev         blockdev.Interface
	bitmapStart uint32
	total       uint32
	logger      *slog.Logger

	mu   sync.RWMutex
	bits []bool // true = allocated

	freeBlocks atomic.Uint32
	allocCount atomic.Uint64
	freeCount  atomic.Uint64
}

// Open constructs an all-free bitmap for totalBlocks blocks and attempts
// to load a persisted bitmap from bitmapStart on dev. A load failure is
// logged and the allocator continues with the all-free bitmap (spec.md
// §4.2 open).
func Open(dev blockdev.Interface, bitmapStart, totalBlocks uint32, opts ...Option) *Allocator {
	a := &Allocator{
		dev:         dev,
		bitmapStart: bitmapStart,
		total:       totalBlocks,
		logger:      slog.Default(),
		bits:        make([]bool, totalBlocks),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.freeBlocks.Store(totalBlocks)

	if err := a.loadFromDisk(); err != nil {
		a.logger.Warn("extent: failed to load bitmap from disk, starting empty", "error", err)
	}

	return a
}

func (a *Allocator) loadFromDisk() error {
	blockCount := diskfmt.BitmapBlockLen(a.total)

	buf := make([]byte, 0, blockCount*blockdev.BlockSize)

	for i := 0; i < blockCount; i++ {
		block, err := a.dev.ReadBlock(a.bitmapStart + uint32(i))
		if err != nil {
			return fmt.Errorf("%w: reading bitmap block %d: %w", ErrIO, i, err)
		}

		buf = append(buf, block...)
	}

	bits, err := diskfmt.DecodeBitmap(buf, a.total)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	a.mu.Lock()
	a.bits = bits
	a.mu.Unlock()

	free := uint32(0)
	for _, set := range bits {
		if !set {
			free++
		}
	}

	a.freeBlocks.Store(free)

	a.logger.Debug("extent: bitmap loaded", "free", free, "allocated", a.total-free)

	return nil
}

// AllocateExtent runs a first-fit scan starting at hint mod total_blocks,
// wrapping once, for the first run of at least min_len consecutive free
// blocks (spec.md §4.2.1). The scan stops as soon as a run reaches min_len,
// so the returned extent's length is always min_len; a longer free run is
// not extended toward max_len.
//
// Fails with ErrInvalidArgument if min_len or max_len is 0 or min_len >
// max_len, ErrNoSpace if no qualifying run exists.
func (a *Allocator) AllocateExtent(hint, minLen, maxLen uint32) (Extent, error) {
	if minLen == 0 || maxLen == 0 || minLen > maxLen {
		return Extent{}, fmt.Errorf("%w: min_len=%d max_len=%d", ErrInvalidArgument, minLen, maxLen)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start, length, err := firstFit(a.bits, hint, minLen, maxLen)
	if err != nil {
		return Extent{}, err
	}

	for i := start; i < start+length; i++ {
		a.bits[i] = true
	}

	a.freeBlocks.Add(^uint32(length - 1)) // atomic subtract
	a.allocCount.Add(1)

	ext := Extent{Start: start, Length: length}

	a.logger.Debug("extent: allocated", "extent", ext.String())

	return ext, nil
}

// firstFit implements spec.md §4.2.1's non-wrapping-candidate variant: it
// scans positions hint%total, hint%total+1, ... (mod total) for exactly
// total iterations, so the scan itself wraps once, but a candidate run is
// reset when the scan passes from the last block back to block 0, so no
// returned run straddles the end of the bitmap.
func firstFit(bits []bool, hint, minLen, maxLen uint32) (uint32, uint32, error) {
	total := uint32(len(bits))
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: allocator manages 0 blocks", ErrNoSpace)
	}

	startPos := hint % total

	var consecutive, regionStart uint32

	for offset := uint32(0); offset < total; offset++ {
		pos := (startPos + offset) % total

		if pos == 0 {
			consecutive = 0
		}

		if !bits[pos] {
			if consecutive == 0 {
				regionStart = pos
			}

			consecutive++

			if consecutive >= minLen {
				length := consecutive
				if length > maxLen {
					length = maxLen
				}

				return regionStart, length, nil
			}
		} else {
			consecutive = 0
		}
	}

	return 0, 0, fmt.Errorf("%w: requested min_len=%d", ErrNoSpace, minLen)
}

// FreeExtent clears every bit in [e.Start, e.Start+e.Length), rejecting
// the call before any state change is observable if any bit in that range
// is already free (spec.md §4.2 free_extent: "Check-then-clear... atomic
// all-or-nothing").
//
// Fails with ErrOutOfRange if e.Start+e.Length > total_blocks,
// ErrDoubleFree if any bit in the range is already 0.
func (a *Allocator) FreeExtent(e Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.End() > a.total {
		return fmt.Errorf("%w: extent %s exceeds total_blocks=%d", ErrOutOfRange, e.String(), a.total)
	}

	for i := e.Start; i < e.End(); i++ {
		if !a.bits[i] {
			return fmt.Errorf("%w: block %d in %s is already free", ErrDoubleFree, i, e.String())
		}
	}

	for i := e.Start; i < e.End(); i++ {
		a.bits[i] = false
	}

	a.freeBlocks.Add(e.Length)
	a.freeCount.Add(1)

	a.logger.Debug("extent: freed", "extent", e.String())

	return nil
}

// FragmentationRatio returns a value in [0.0, 1.0] summarizing how
// dispersed the free pool is (spec.md §4.2.2).
func (a *Allocator) FragmentationRatio() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	free := a.freeBlocks.Load()
	if free == 0 {
		return 0
	}

	fragments := countFreeRuns(a.bits)
	if fragments <= 1 {
		return 0
	}

	ratio := float64(fragments-1) / float64(a.total)
	if ratio > 1 {
		ratio = 1
	}

	return ratio
}

func countFreeRuns(bits []bool) uint32 {
	var fragments uint32

	inFreeRegion := false

	for _, allocated := range bits {
		if !allocated {
			if !inFreeRegion {
				fragments++
				inFreeRegion = true
			}
		} else {
			inFreeRegion = false
		}
	}

	return fragments
}

// SyncBitmapToDisk encodes the bitmap little-endian, pads to a whole
// number of blocks, writes it at bitmap_start, and fsyncs (spec.md §4.2,
// §6.4).
func (a *Allocator) SyncBitmapToDisk() error {
	a.mu.RLock()
	buf := diskfmt.EncodeBitmap(a.bits)
	a.mu.RUnlock()

	for i := 0; i < len(buf)/blockdev.BlockSize; i++ {
		block := buf[i*blockdev.BlockSize : (i+1)*blockdev.BlockSize]
		if err := a.dev.WriteBlock(a.bitmapStart+uint32(i), block); err != nil {
			return fmt.Errorf("%w: writing bitmap block %d: %w", ErrIO, i, err)
		}
	}

	if err := a.dev.Sync(); err != nil {
		return fmt.Errorf("%w: fsync after bitmap write: %w", ErrIO, err)
	}

	return nil
}

// GetStats returns a snapshot of allocator counters.
func (a *Allocator) GetStats() Stats {
	free := a.freeBlocks.Load()

	return Stats{
		Total:      a.total,
		Free:       free,
		Allocated:  a.total - free,
		AllocCount: a.allocCount.Load(),
		FreeCount:  a.freeCount.Load(),
	}
}
