// Package tieralloc is the tier allocator of spec §4.2: it chooses a
// tier and a per-CPU shard, satisfies contiguous allocation requests
// through pkg/freelist, applies the cross-shard steal policy when the
// local shard is underfull, and routes frees back to the shard owning
// a given global block number.
package tieralloc

import (
	"sync/atomic"

	"github.com/tierfs/tierfs/pkg/freelist"
	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tlog"
)

// ANY_CPU lets the caller defer shard selection to the allocator's
// current-processor heuristic instead of naming a shard explicitly.
const ANY_CPU = -1

// Direction re-exports freelist.Direction so callers of this package
// don't need to import pkg/freelist directly.
type Direction = freelist.Direction

const (
	FromHead = freelist.FromHead
	FromTail = freelist.FromTail
)

// maxStealRetries bounds the cross-shard steal loop to O(cpus) extra
// probes per call, per spec §4.2.
const maxStealRetries = 2

// Allocator owns every per-(tier, cpu) FreeList for one superblock and
// dispatches allocation and free requests to the correct shard.
type Allocator struct {
	space  *tieraddr.Space
	cpus   int
	log    tlog.Logger
	pmem   []*freelist.FreeList     // index = cpu
	bdev   map[tieraddr.Tier][]*freelist.FreeList // index = cpu

	// cpuRoundRobin emulates smp_processor_id(): userspace Go has no
	// portable notion of "the CPU this goroutine is currently running
	// on", so ANY_CPU resolves to a round-robin counter instead. This
	// preserves the spec's shard-spreading intent (successive ANY_CPU
	// callers land on different shards) without claiming a CPU
	// affinity this process doesn't have.
	cpuRoundRobin uint64
}

// New builds an Allocator over space, splitting each tier's blocks
// evenly across cpus shards (the last shard absorbs any remainder so
// every block is owned by exactly one shard, per I3).
func New(space *tieraddr.Space, cpus int, log tlog.Logger) *Allocator {
	if log == nil {
		log = tlog.Discard{}
	}
	if cpus < 1 {
		cpus = 1
	}
	a := &Allocator{space: space, cpus: cpus, log: log, bdev: make(map[tieraddr.Tier][]*freelist.FreeList)}

	a.pmem = shardTier(tieraddr.PMEM, 0, space.PmemBlocks, cpus, log)

	for i := range space.Bdevs {
		tier := space.Bdevs[i].Tier
		start := space.TierStart(tier)
		a.bdev[tier] = shardTier(tier, start, space.Bdevs[i].CapacityPage, cpus, log)
	}

	return a
}

func shardTier(tier tieraddr.Tier, tierStart, tierBlocks uint64, cpus int, log tlog.Logger) []*freelist.FreeList {
	shards := make([]*freelist.FreeList, cpus)
	perShard := tierBlocks / uint64(cpus)
	start := tierStart
	for cpu := 0; cpu < cpus; cpu++ {
		n := perShard
		if cpu == cpus-1 {
			// last shard absorbs the remainder
			n = tierBlocks - perShard*uint64(cpus-1)
		}
		blockStart, end := start, start+n-1
		if n == 0 {
			blockStart, end = start+1, start // empty shard: end < start, see freelist.New
		}
		shards[cpu] = freelist.New(tier, cpu, blockStart, end, log)
		start += n
	}
	return shards
}

func (a *Allocator) shardsFor(tier tieraddr.Tier) ([]*freelist.FreeList, error) {
	if tier == tieraddr.PMEM {
		return a.pmem, nil
	}
	shards, ok := a.bdev[tier]
	if !ok {
		return nil, tfserr.Newf(tfserr.Invalid, "tier %d is not configured", tier)
	}
	return shards, nil
}

func (a *Allocator) resolveCPU(cpu int) int {
	if cpu != ANY_CPU {
		return cpu % a.cpus
	}
	n := atomic.AddUint64(&a.cpuRoundRobin, 1)
	return int(n % uint64(a.cpus))
}

// candidateShard returns the shard in shards with the most free
// blocks; ties go to the lowest shard index (B4).
func candidateShard(shards []*freelist.FreeList) int {
	best := 0
	bestFree := shards[0].NumFreeBlocks()
	for i := 1; i < len(shards); i++ {
		f := shards[i].NumFreeBlocks()
		if f > bestFree {
			bestFree = f
			best = i
		}
	}
	return best
}

// AllocTier reserves n contiguous blocks from tier, returning the
// granted run's starting global block number. cpu may be ANY_CPU. If
// the chosen shard has fewer than n free blocks, the allocator
// releases that shard and retries against the shard with the most
// free blocks tierwide, up to maxStealRetries times, then attempts
// anyway (returning OutOfSpace if still unsatisfied).
func (a *Allocator) AllocTier(tier tieraddr.Tier, cpu int, n uint64, dir Direction) (uint64, error) {
	if n == 0 {
		return 0, tfserr.New(tfserr.Invalid, "alloc of zero blocks")
	}

	shards, err := a.shardsFor(tier)
	if err != nil {
		return 0, err
	}

	idx := a.resolveCPU(cpu)
	retried := 0

	for {
		shard := shards[idx]
		if shard.NumFreeBlocks() < n && retried < maxStealRetries {
			idx = candidateShard(shards)
			retried++
			continue
		}

		block, err := shard.Alloc(n, dir)
		if err != nil {
			if tfserr.Is(err, tfserr.OutOfSpace) && retried < maxStealRetries {
				idx = candidateShard(shards)
				retried++
				continue
			}
			return 0, err
		}

		a.log.Debugf("tieralloc: allocated %d blocks at %d from tier %d cpu %d (retries=%d)",
			n, block, tier, shards[idx].CPU, retried)
		return block, nil
	}
}

// FreeTier releases n blocks starting at block back to their owning
// shard, found by a linear scan over every (tier, cpu) window, per
// spec §4.2.
func (a *Allocator) FreeTier(block uint64, n uint64) error {
	if n == 0 {
		return tfserr.New(tfserr.Invalid, "free of zero blocks")
	}

	for _, shard := range a.pmem {
		if block >= shard.BlockStart() && block <= shard.BlockEnd() {
			return shard.Free(block, block+n-1)
		}
	}
	for _, shards := range a.bdev {
		for _, shard := range shards {
			if block >= shard.BlockStart() && block <= shard.BlockEnd() {
				return shard.Free(block, block+n-1)
			}
		}
	}
	return tfserr.Newf(tfserr.Invalid, "block %d does not belong to any shard", block)
}

// TierOf returns the tier owning block.
func (a *Allocator) TierOf(block uint64) (tieraddr.Tier, error) {
	return a.space.TierOf(tieraddr.BlockNumber(block))
}

// Space exposes the underlying tiered address space.
func (a *Allocator) Space() *tieraddr.Space { return a.space }

// Shards returns every shard's Snapshot for tier, in cpu order. Used
// for capacity reporting.
func (a *Allocator) Shards(tier tieraddr.Tier) ([]freelist.Snapshot, error) {
	shards, err := a.shardsFor(tier)
	if err != nil {
		return nil, err
	}
	out := make([]freelist.Snapshot, len(shards))
	for i, s := range shards {
		out[i] = s.Stats()
	}
	return out, nil
}
