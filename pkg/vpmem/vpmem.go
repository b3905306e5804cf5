// Package vpmem is the external PMEM/DAX collaborator of spec §6: the
// tier manager never maps or invalidates DAX pages itself, it only
// pins a range before touching it, flushes it back to media when
// done, and takes a shared or exclusive lock across a migration. The
// real mapping, page cache and MMU plumbing live outside this
// module's scope; Mapping is the seam and Arena is an in-memory stand
// in good enough to drive the rest of the tree and its tests.
package vpmem

import (
	"sync"

	"github.com/tierfs/tierfs/pkg/tfserr"
)

// Mapping is the pin/flush/lock contract spec §6 requires of the
// PMEM/DAX subsystem. blockOff and count are in tier-local blocks.
type Mapping interface {
	// At returns a direct byte slice over [blockOff, blockOff+count)
	// for the caller to read or write in place.
	At(blockOff, count uint64) ([]byte, error)

	// Pin guarantees the range is resident and won't be reclaimed
	// until the matching data has been consumed.
	Pin(blockOff, count uint64) error

	// Flush persists any writes to the range back to media.
	Flush(blockOff, count uint64) error

	// RangeLock takes a shared (reader) or exclusive (writer) lock
	// over the range. RangeUnlock releases it.
	RangeLock(blockOff, count uint64, shared bool) error
	RangeUnlock(blockOff, count uint64, shared bool)

	// IsRangeLocked reports whether any page in the range is
	// currently held under an exclusive (write) lock, per the
	// migration engine's busy check.
	IsRangeLocked(blockOff, count uint64) bool
}

type lockedRange struct {
	low, high uint64
	shared    bool
}

// Arena is a byte-slice-backed Mapping, standing in for a DAX
// mapping over a PMEM namespace. BlockSize is fixed at construction.
type Arena struct {
	blockSize uint64
	data      []byte

	mu     sync.Mutex
	ranges []lockedRange
}

// NewArena allocates an Arena of numBlocks blocks, each blockSize
// bytes.
func NewArena(numBlocks, blockSize uint64) *Arena {
	return &Arena{
		blockSize: blockSize,
		data:      make([]byte, numBlocks*blockSize),
	}
}

func (a *Arena) byteRange(blockOff, count uint64) (uint64, uint64, error) {
	start := blockOff * a.blockSize
	end := start + count*a.blockSize
	if end > uint64(len(a.data)) {
		return 0, 0, tfserr.Newf(tfserr.Invalid, "vpmem: range [%d,%d) blocks out of bounds", blockOff, blockOff+count)
	}
	return start, end, nil
}

// At returns the slice of the underlying arena covering the range.
// No pin, lock, or flush is implied; callers that need those
// guarantees call Pin/RangeLock/Flush themselves.
func (a *Arena) At(blockOff, count uint64) ([]byte, error) {
	start, end, err := a.byteRange(blockOff, count)
	if err != nil {
		return nil, err
	}
	return a.data[start:end], nil
}

// Pin is a no-op on Arena: the whole backing slice is always
// resident. Kept so callers exercise the same call sequence a real
// DAX mapping would require.
func (a *Arena) Pin(blockOff, count uint64) error {
	_, _, err := a.byteRange(blockOff, count)
	return err
}

// Flush is a no-op on Arena for the same reason Pin is.
func (a *Arena) Flush(blockOff, count uint64) error {
	_, _, err := a.byteRange(blockOff, count)
	return err
}

func overlaps(a, b lockedRange) bool {
	return a.low <= b.high && b.low <= a.high
}

// RangeLock records a shared or exclusive hold over [blockOff,
// blockOff+count). It never blocks: spec §6 only uses this to mark
// and detect busy ranges during migration, not to serialize readers
// and writers against each other at this layer (that's the
// superblock/inode lock's job, which is out of scope here).
func (a *Arena) RangeLock(blockOff, count uint64, shared bool) error {
	if _, _, err := a.byteRange(blockOff, count); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = append(a.ranges, lockedRange{low: blockOff, high: blockOff + count - 1, shared: shared})
	return nil
}

// RangeUnlock drops one matching hold over the range. It is a no-op
// if no such hold is recorded.
func (a *Arena) RangeUnlock(blockOff, count uint64, shared bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := lockedRange{low: blockOff, high: blockOff + count - 1, shared: shared}
	for i, r := range a.ranges {
		if r == want {
			a.ranges = append(a.ranges[:i], a.ranges[i+1:]...)
			return
		}
	}
}

// IsRangeLocked reports whether any page in [blockOff,
// blockOff+count) currently sits under an exclusive lock.
func (a *Arena) IsRangeLocked(blockOff, count uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	probe := lockedRange{low: blockOff, high: blockOff + count - 1}
	for _, r := range a.ranges {
		if !r.shared && overlaps(r, probe) {
			return true
		}
	}
	return false
}
