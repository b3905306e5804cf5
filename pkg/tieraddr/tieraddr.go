// Package tieraddr defines the block-numbering invariant shared by
// every tier: a single 64-bit global block-number space in which the
// PMEM tier owns [0, P) and each block-device tier owns a contiguous,
// non-overlapping window starting immediately after the previous one.
package tieraddr

import "github.com/tierfs/tierfs/pkg/tfserr"

// BlockNumber is a global, 64-bit block identifier. Block size is
// fixed per Space (typically 4096 bytes).
type BlockNumber uint64

// Tier identifies a storage medium class. Tier 0 is always PMEM;
// tiers 1..N are block-device tiers in increasing latency/cost order.
type Tier int

// PMEM is the fast, byte-addressable tier. Block-device tiers start
// at TierBdevLow (conventionally 1) and run through TierBdevHigh.
const PMEM Tier = 0

// BdevInfo describes one block-device tier: its device path and
// major/minor numbers, geometry, and preferred migration granularity. This mirrors
// the fixed-width on-disk record of spec §6: { tier, path, major,
// minor, capacity_sector, capacity_page, opt_size_bit }.
type BdevInfo struct {
	Tier Tier

	Path  string
	Major int
	Minor int

	CapacitySector uint64
	CapacityPage   uint64

	// OptSizeBit is the destination tier's preferred allocation
	// granularity, expressed as a power of two of blocks:
	// opt_size = 1 << OptSizeBit.
	OptSizeBit uint
}

// OptSize returns 1 << OptSizeBit, the tier's preferred migration
// extent size in blocks.
func (b BdevInfo) OptSize() uint64 {
	return 1 << b.OptSizeBit
}

// candidateDevicePaths is the well-known device probe order; real
// path selection is configuration and out of scope for this core
// (spec §6). Kept only so a default Space can be constructed without
// explicit paths in tests and the CLI's dry-run mode.
var candidateDevicePaths = []string{"/dev/sda1", "/dev/sdb1", "/dev/nvme0n1"}

// DefaultDevicePath returns the i'th well-known candidate path, or ""
// if i is out of range.
func DefaultDevicePath(i int) string {
	if i < 0 || i >= len(candidateDevicePaths) {
		return ""
	}
	return candidateDevicePaths[i]
}

// Space is the tiered address space: the mapping from a global block
// number to (tier, local offset within that tier) and back. PMEM owns
// [0, PmemBlocks); tier i (1-indexed into Bdevs) owns the next
// Bdevs[i-1].CapacityPage blocks.
type Space struct {
	PmemBlocks uint64
	Bdevs      []BdevInfo // index 0 is TierBdevLow
}

// NewSpace builds a Space. Bdevs must be supplied in tier order
// (lowest tier first); TierBdevLow is fixed at 1.
func NewSpace(pmemBlocks uint64, bdevs []BdevInfo) *Space {
	s := &Space{PmemBlocks: pmemBlocks, Bdevs: make([]BdevInfo, len(bdevs))}
	copy(s.Bdevs, bdevs)
	for i := range s.Bdevs {
		s.Bdevs[i].Tier = Tier(i + 1)
	}
	return s
}

// TierBdevLow is the lowest-numbered block-device tier.
const TierBdevLow Tier = 1

// TierBdevHigh returns the highest-numbered block-device tier
// currently configured.
func (s *Space) TierBdevHigh() Tier {
	return Tier(len(s.Bdevs))
}

// TierStart returns the first global block number owned by tier.
func (s *Space) TierStart(tier Tier) uint64 {
	if tier == PMEM {
		return 0
	}
	start := s.PmemBlocks
	for i := TierBdevLow; i < tier; i++ {
		start += s.Bdevs[i-TierBdevLow].CapacityPage
	}
	return start
}

// TierEnd returns the last global block number (inclusive) owned by
// tier.
func (s *Space) TierEnd(tier Tier) uint64 {
	if tier == PMEM {
		if s.PmemBlocks == 0 {
			return 0
		}
		return s.PmemBlocks - 1
	}
	idx := int(tier - TierBdevLow)
	if idx < 0 || idx >= len(s.Bdevs) {
		return s.TierStart(tier)
	}
	return s.TierStart(tier) + s.Bdevs[idx].CapacityPage - 1
}

// TierOf returns the tier owning block, or an Invalid error if block
// falls outside every configured tier's window.
func (s *Space) TierOf(block BlockNumber) (Tier, error) {
	b := uint64(block)
	if b < s.PmemBlocks {
		return PMEM, nil
	}
	for i := range s.Bdevs {
		t := s.Bdevs[i].Tier
		if b >= s.TierStart(t) && b <= s.TierEnd(t) {
			return t, nil
		}
	}
	return 0, tfserr.Newf(tfserr.Invalid, "block %d is outside every tier's window", block)
}

// TierOfRange returns the tier owning the whole contiguous range
// [block, block+numBlocks), or an Invalid error if the range is not
// entirely contained in one tier.
func (s *Space) TierOfRange(block BlockNumber, numBlocks uint64) (Tier, error) {
	if numBlocks == 0 {
		return 0, tfserr.New(tfserr.Invalid, "zero-length range")
	}
	tier, err := s.TierOf(block)
	if err != nil {
		return 0, err
	}
	last := uint64(block) + numBlocks - 1
	if last > s.TierEnd(tier) {
		return 0, tfserr.Newf(tfserr.Invalid, "range [%d,%d) crosses a tier boundary", block, uint64(block)+numBlocks)
	}
	return tier, nil
}

// Local returns block's offset within its own tier (global - tier
// start).
func (s *Space) Local(block BlockNumber, tier Tier) uint64 {
	return uint64(block) - s.TierStart(tier)
}

// BdevInfoFor returns the BdevInfo for a block-device tier.
func (s *Space) BdevInfoFor(tier Tier) (BdevInfo, error) {
	idx := int(tier - TierBdevLow)
	if tier == PMEM || idx < 0 || idx >= len(s.Bdevs) {
		return BdevInfo{}, tfserr.Newf(tfserr.Invalid, "tier %d is not a block-device tier", tier)
	}
	return s.Bdevs[idx], nil
}
