// Package blockdev provides a borrowed-handle abstraction over a raw block
// device (or a regular file standing in for one), with fixed-size block
// addressing and the lock discipline the journal and extent packages rely
// on: an exclusive lock held for the duration of each single ReadBlock,
// WriteBlock or Sync call. A write and the Sync that makes it durable take
// the lock separately; the lock is not held across the pair.
//
// The device descriptor is always supplied by an outer caller and outlives
// both the journal and extent managers built on top of it. [Device.Close]
// never closes the underlying file descriptor; it only releases resources
// owned by the [Device] value itself (see [New]).
package blockdev

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed block size used throughout this module. The
// on-disk formats in internal/diskfmt assume blocks of exactly this size.
const BlockSize = 4096

// Interface is the block-addressable contract the journal and extent
// packages depend on. [Device] and blockdevtest's fake device both satisfy
// it, so tests can exercise crash scenarios without a real disk.
type Interface interface {
	// ReadBlock reads exactly BlockSize bytes from block n.
	ReadBlock(n uint32) ([]byte, error)

	// WriteBlock writes exactly BlockSize bytes to block n. Implementations
	// must not fsync implicitly; callers call Sync explicitly.
	WriteBlock(n uint32, data []byte) error

	// Sync makes all prior writes durable.
	Sync() error
}

var _ Interface = (*Device)(nil)

// ErrShortIO indicates a read or write touched fewer bytes than a full
// block, which should never happen against a well-formed device.
var ErrShortIO = errors.New("blockdev: short read or write")

// Device is a block-addressable view over an *os.File borrowed from the
// caller. The caller retains ownership: Device.Close is a no-op and never
// closes fd; each I/O call releases its own flock before returning.
//
// Device is safe for concurrent use; each ReadBlock/WriteBlock/Sync call
// takes an exclusive advisory lock on the descriptor for the duration of
// its seek-then-I/O sequence, per the concurrency model in spec.md §5.
type Device struct {
	file *os.File
	fd   int
}

// New wraps an already-open file descriptor as a Device. The file is
// borrowed: New does not take ownership, and the caller must close it
// itself once every Device built on it has gone out of use.
func New(f *os.File) *Device {
	return &Device{file: f, fd: int(f.Fd())}
}

// Close releases Device-owned resources. It does not close the underlying
// file descriptor — that remains the caller's responsibility, per the
// borrowed-handle ownership model in spec.md §3.2 and §9.
func (d *Device) Close() error {
	return nil
}

// lock acquires an exclusive advisory lock on the whole descriptor for the
// duration of a single read/write/sync sequence, and returns a function
// that releases it.
func (d *Device) lock() (func(), error) {
	if err := unix.Flock(d.fd, unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("blockdev: flock: %w", err)
	}

	return func() {
		_ = unix.Flock(d.fd, unix.LOCK_UN)
	}, nil
}

// ReadBlock reads exactly BlockSize bytes starting at block number n.
func (d *Device) ReadBlock(n uint32) ([]byte, error) {
	unlock, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	buf := make([]byte, BlockSize)

	read, err := unix.Pread(d.fd, buf, int64(n)*BlockSize)
	if err != nil {
		return nil, fmt.Errorf("blockdev: pread block %d: %w", n, err)
	}

	if read != BlockSize {
		return nil, fmt.Errorf("%w: block %d read %d/%d bytes", ErrShortIO, n, read, BlockSize)
	}

	return buf, nil
}

// WriteBlock writes data (which must be exactly BlockSize bytes) to block
// number n. It does not fsync; call Sync explicitly once a batch of writes
// must become durable.
func (d *Device) WriteBlock(n uint32, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("blockdev: write block %d: payload is %d bytes, want %d", n, len(data), BlockSize)
	}

	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	written, err := unix.Pwrite(d.fd, data, int64(n)*BlockSize)
	if err != nil {
		return fmt.Errorf("blockdev: pwrite block %d: %w", n, err)
	}

	if written != BlockSize {
		return fmt.Errorf("%w: block %d wrote %d/%d bytes", ErrShortIO, n, written, BlockSize)
	}

	return nil
}

// Sync fsyncs the underlying descriptor, making all prior writes durable.
func (d *Device) Sync() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("blockdev: fsync: %w", err)
	}

	return nil
}
