// Package freelist implements the per-(tier, cpu) shard free list of
// spec §3/§4.1: a range tree of free extents guarded by a single
// lock, with cached first/last nodes and aggregate counters kept
// consistent with the tree on every mutation.
package freelist

import (
	"sync"

	"github.com/tierfs/tierfs/pkg/rangetree"
	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tlog"
)

// Direction selects which end of the tree an allocation walk starts
// from.
type Direction int

const (
	// FromHead starts at the smallest free range and grows Low forward
	// when taking a partial node.
	FromHead Direction = iota
	// FromTail starts at the largest free range and shrinks High
	// backward when taking a partial node.
	FromTail
)

// FreeList is one (tier, cpu) shard's free-extent tracker. It is
// created at mount and freed at unmount; every mutation happens under
// its own lock.
type FreeList struct {
	Tier tieraddr.Tier
	CPU  int

	blockStart uint64
	blockEnd   uint64

	mu             sync.Mutex
	tree           *rangetree.Tree
	firstNode      *rangetree.Node
	lastNode       *rangetree.Node
	numFreeBlocks  uint64
	numBlocknode   int
	log            tlog.Logger
}

// New creates a FreeList for [blockStart, blockEnd], fully free.
func New(tier tieraddr.Tier, cpu int, blockStart, blockEnd uint64, log tlog.Logger) *FreeList {
	if log == nil {
		log = tlog.Discard{}
	}
	fl := &FreeList{
		Tier:       tier,
		CPU:        cpu,
		blockStart: blockStart,
		blockEnd:   blockEnd,
		tree:       rangetree.New(),
		log:        log,
	}
	if blockEnd >= blockStart {
		n := rangetree.NewNode(blockStart, blockEnd)
		_ = fl.tree.Insert(n)
		fl.firstNode = n
		fl.lastNode = n
		fl.numFreeBlocks = blockEnd - blockStart + 1
		fl.numBlocknode = 1
	}
	return fl
}

// BlockStart and BlockEnd are this shard's global block-number window.
func (fl *FreeList) BlockStart() uint64 { return fl.blockStart }
func (fl *FreeList) BlockEnd() uint64   { return fl.blockEnd }

// NumTotalBlocks is the shard's fixed capacity.
func (fl *FreeList) NumTotalBlocks() uint64 {
	if fl.blockEnd < fl.blockStart {
		return 0
	}
	return fl.blockEnd - fl.blockStart + 1
}

// NumFreeBlocks returns the current free-block count (I1).
func (fl *FreeList) NumFreeBlocks() uint64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.numFreeBlocks
}

// NumBlocknode returns the current tree size.
func (fl *FreeList) NumBlocknode() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.numBlocknode
}

func neighbor(t *rangetree.Tree, n *rangetree.Node, dir Direction) *rangetree.Node {
	if dir == FromHead {
		return t.Next(n)
	}
	return t.Prev(n)
}

// Alloc satisfies a request for exactly n contiguous free blocks,
// searching from the head or the tail per dir. Returns the starting
// global block number of the granted run. Fails with OutOfSpace if no
// single free range of at least n blocks exists in the walk direction
// (the allocator requires contiguity — it never stitches together
// multiple ranges), or Invalid if n == 0.
func (fl *FreeList) Alloc(n uint64, dir Direction) (uint64, error) {
	if n == 0 {
		return 0, tfserr.New(tfserr.Invalid, "alloc of zero blocks")
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	var cur *rangetree.Node
	if dir == FromHead {
		cur = fl.firstNode
	} else {
		cur = fl.lastNode
	}

	for cur != nil {
		if !cur.ChecksumOK() {
			fl.log.Warnf("freelist: corrupt range node [%d,%d] in tier %d cpu %d skipped",
				cur.Low, cur.High, fl.Tier, fl.CPU)
			cur = neighbor(fl.tree, cur, dir)
			continue
		}

		size := cur.Size()
		if n > size {
			cur = neighbor(fl.tree, cur, dir)
			continue
		}

		if n == size {
			if cur == fl.firstNode {
				fl.firstNode = fl.tree.Next(cur)
			}
			if cur == fl.lastNode {
				fl.lastNode = fl.tree.Prev(cur)
			}
			start := cur.Low
			fl.tree.Erase(cur)
			fl.numBlocknode--
			fl.numFreeBlocks -= n
			return start, nil
		}

		// n < size: take a slice from the chosen end.
		var start uint64
		if dir == FromHead {
			start = cur.Low
			cur.Low += n
		} else {
			start = cur.High + 1 - n
			cur.High -= n
		}
		cur.UpdateChecksum()
		fl.numFreeBlocks -= n
		return start, nil
	}

	return 0, tfserr.Newf(tfserr.OutOfSpace, "tier %d cpu %d has no contiguous run of %d blocks", fl.Tier, fl.CPU, n)
}

// Free returns [lo, hi] to the shard, merging with an abutting left
// neighbor, right neighbor, both (filling a hole), or neither. Fails
// with Invalid if lo > hi, or IOError if the range falls outside this
// shard's window.
func (fl *FreeList) Free(lo, hi uint64) error {
	if lo > hi {
		return tfserr.Newf(tfserr.Invalid, "free: low %d > high %d", lo, hi)
	}
	if lo < fl.blockStart || hi > fl.blockEnd {
		return tfserr.Newf(tfserr.IOError, "free [%d,%d] outside shard window [%d,%d]",
			lo, hi, fl.blockStart, fl.blockEnd)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	count := hi - lo + 1
	prev, next := fl.tree.FindFreeSlot(lo, hi)

	switch {
	case prev != nil && next != nil && prev.High+1 == lo && hi+1 == next.Low:
		prev.High = next.High
		prev.UpdateChecksum()
		if fl.lastNode == next {
			fl.lastNode = prev
		}
		fl.tree.Erase(next)
		fl.numBlocknode--

	case prev != nil && prev.High+1 == lo:
		prev.High = hi
		prev.UpdateChecksum()

	case next != nil && hi+1 == next.Low:
		next.Low = lo
		next.UpdateChecksum()

	default:
		n := rangetree.NewNode(lo, hi)
		if err := fl.tree.Insert(n); err != nil {
			return tfserr.Wrap(err, "free: insert")
		}
		fl.numBlocknode++
		if prev == nil {
			fl.firstNode = n
		}
		if next == nil {
			fl.lastNode = n
		}
	}

	fl.numFreeBlocks += count
	return nil
}

// Snapshot is a point-in-time, lock-free copy of the shard's counters,
// used for reporting and for the tier allocator's candidate-shard
// selection.
type Snapshot struct {
	Tier          tieraddr.Tier
	CPU           int
	BlockStart    uint64
	BlockEnd      uint64
	NumTotal      uint64
	NumFree       uint64
	NumBlocknode  int
}

// Stats returns a Snapshot of the shard's current state.
func (fl *FreeList) Stats() Snapshot {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return Snapshot{
		Tier:         fl.Tier,
		CPU:          fl.CPU,
		BlockStart:   fl.blockStart,
		BlockEnd:     fl.blockEnd,
		NumTotal:     fl.NumTotalBlocksLocked(),
		NumFree:      fl.numFreeBlocks,
		NumBlocknode: fl.numBlocknode,
	}
}

// NumTotalBlocksLocked is NumTotalBlocks for callers already holding
// fl.mu (Stats).
func (fl *FreeList) NumTotalBlocksLocked() uint64 {
	if fl.blockEnd < fl.blockStart {
		return 0
	}
	return fl.blockEnd - fl.blockStart + 1
}
