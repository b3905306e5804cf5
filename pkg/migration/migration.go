// Package migration is the migration engine of spec §4.5: it moves a
// file's data between tiers through the four-phase check, allocate,
// copy, commit protocol, keeping the file's write-entry log
// consistent for concurrent readers throughout.
package migration

import (
	"context"

	"github.com/tierfs/tierfs/pkg/bdevio"
	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tieralloc"
	"github.com/tierfs/tierfs/pkg/tlog"
	"github.com/tierfs/tierfs/pkg/vpmem"
	"github.com/tierfs/tierfs/pkg/writelog"
	"github.com/tierfs/tierfs/pkg/xferbuf"
)

// Mover owns every resource the migration engine needs to actually
// move bytes between tiers: the allocator, the PMEM/DAX mapping, one
// bdevio.Device per block-device tier, and the DRAM transfer buffer
// used for bdev-to-bdev copies.
type Mover struct {
	space  *tieraddr.Space
	alloc  *tieralloc.Allocator
	pmem   vpmem.Mapping
	bdevs  map[tieraddr.Tier]*bdevio.Device
	buffer *xferbuf.Pool
	log    tlog.Logger
}

// New builds a Mover. bdevs must have one entry per configured
// block-device tier.
func New(space *tieraddr.Space, alloc *tieralloc.Allocator, pmem vpmem.Mapping, bdevs map[tieraddr.Tier]*bdevio.Device, buffer *xferbuf.Pool, log tlog.Logger) *Mover {
	if log == nil {
		log = tlog.Discard{}
	}
	return &Mover{space: space, alloc: alloc, pmem: pmem, bdevs: bdevs, buffer: buffer, log: log}
}

func (m *Mover) pageSize() int {
	if m.buffer != nil {
		return m.buffer.PageSize()
	}
	return 4096
}

// copyBlocks moves numPages contiguous pages from (from, fromBlock) to
// (to, toBlock), choosing the PMEM-to-bdev, bdev-to-PMEM, or
// bdev-to-bdev path. from must differ from to (is_not_same_tier).
func (m *Mover) copyBlocks(ctx context.Context, from tieraddr.Tier, fromBlock uint64, to tieraddr.Tier, toBlock uint64, numPages uint32) error {
	if from == to {
		return tfserr.New(tfserr.Invalid, "migration: source and destination tier are the same")
	}

	switch {
	case from == tieraddr.PMEM:
		return m.copyPmemToBdev(ctx, fromBlock, to, toBlock, numPages)
	case to == tieraddr.PMEM:
		return m.copyBdevToPmem(ctx, from, fromBlock, toBlock, numPages)
	default:
		return m.copyBdevToBdev(ctx, from, fromBlock, to, toBlock, numPages)
	}
}

func (m *Mover) copyPmemToBdev(ctx context.Context, fromBlock uint64, to tieraddr.Tier, toBlock uint64, numPages uint32) error {
	dev, ok := m.bdevs[to]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "migration: no bdev device configured for tier %d", to)
	}
	src, err := m.pmem.At(fromBlock, uint64(numPages))
	if err != nil {
		return tfserr.Wrap(err, "migration: pmem read")
	}
	if err := m.pmem.Pin(fromBlock, uint64(numPages)); err != nil {
		return tfserr.Wrap(err, "migration: pmem pin")
	}

	dstStart := m.space.Local(tieraddr.BlockNumber(toBlock), to)
	pageSize := m.pageSize()
	for i := uint32(0); i < numPages; i++ {
		page := src[int(i)*pageSize : int(i+1)*pageSize]
		if _, err := dev.WriteBlock(ctx, dstStart+uint64(i), page, bdevio.Async); err != nil {
			return tfserr.Wrap(err, "migration: bdev write")
		}
	}
	if err := dev.FlushAsync(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Mover) copyBdevToPmem(ctx context.Context, from tieraddr.Tier, fromBlock uint64, toBlock uint64, numPages uint32) error {
	dev, ok := m.bdevs[from]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "migration: no bdev device configured for tier %d", from)
	}
	dst, err := m.pmem.At(toBlock, uint64(numPages))
	if err != nil {
		return tfserr.Wrap(err, "migration: pmem dest")
	}
	if err := m.pmem.RangeLock(toBlock, uint64(numPages), false); err != nil {
		return tfserr.Wrap(err, "migration: pmem lock")
	}
	defer m.pmem.RangeUnlock(toBlock, uint64(numPages), false)

	srcStart := m.space.Local(tieraddr.BlockNumber(fromBlock), from)
	pageSize := m.pageSize()
	for i := uint32(0); i < numPages; i++ {
		page := dst[int(i)*pageSize : int(i+1)*pageSize]
		if _, err := dev.ReadBlock(ctx, srcStart+uint64(i), page, bdevio.Sync); err != nil {
			return tfserr.Wrap(err, "migration: bdev read")
		}
	}
	return m.pmem.Flush(toBlock, uint64(numPages))
}

func (m *Mover) copyBdevToBdev(ctx context.Context, from tieraddr.Tier, fromBlock uint64, to tieraddr.Tier, toBlock uint64, numPages uint32) error {
	fromDev, ok := m.bdevs[from]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "migration: no bdev device configured for tier %d", from)
	}
	toDev, ok := m.bdevs[to]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "migration: no bdev device configured for tier %d", to)
	}
	if m.buffer == nil {
		return tfserr.New(tfserr.Invalid, "migration: bdev-to-bdev copy requires a transfer buffer pool")
	}

	srcStart := m.space.Local(tieraddr.BlockNumber(fromBlock), from)
	dstStart := m.space.Local(tieraddr.BlockNumber(toBlock), to)

	for i := uint32(0); i < numPages; i++ {
		err := m.buffer.WithTransferPage(ctx, func(buf []byte) error {
			if _, err := fromDev.ReadBlock(ctx, srcStart+uint64(i), buf, bdevio.Sync); err != nil {
				return err
			}
			_, err := toDev.WriteBlock(ctx, dstStart+uint64(i), buf, bdevio.Sync)
			return err
		})
		if err != nil {
			return tfserr.Wrap(err, "migration: bdev-to-bdev copy")
		}
	}
	return nil
}

// MigrateEntryBlocks runs the four-phase protocol on a single entry
// (migrate_entry_blocks, spec §4.5):
//
//  1. Check: fails with Busy if the entry is already mid-migration or
//     the destination pgoff range is write-locked in vpmem.
//  2. Allocate: hintBlock != nil uses a caller-reserved extent
//     (group/hint mode); otherwise it allocates e.NumPages blocks
//     solo via alloc_tier(to, ANY_CPU, n, FROM_HEAD).
//  3. Copy: moves the data and marks the entry updating.
//  4. Commit: clears updating and, in solo mode, appends a cloned
//     entry at the new location. In hint mode the caller (group
//     migration) appends the merged entry once every constituent has
//     landed.
//
// Returns the destination block. Any failure in Check, Allocate or
// Copy aborts the entry without mutating the log; a hint-mode
// allocation is never made by this function so there is nothing for
// it to roll back in that mode, but a solo allocation is freed on
// failure.
func (m *Mover) MigrateEntryBlocks(ctx context.Context, log *writelog.Log, inode *writelog.Inode, e *writelog.Entry, to tieraddr.Tier, hintBlock *uint64) (uint64, error) {
	if e.Updating {
		return 0, tfserr.New(tfserr.Busy, "migration: entry is already mid-migration")
	}
	if m.pmem != nil && m.pmem.IsRangeLocked(e.Pgoff, uint64(e.NumPages)) {
		return 0, tfserr.New(tfserr.Busy, "migration: destination range is write-locked")
	}

	from := e.Tier
	solo := hintBlock == nil

	var destBlock uint64
	if solo {
		blk, err := m.alloc.AllocTier(to, tieralloc.ANY_CPU, uint64(e.NumPages), tieralloc.FromHead)
		if err != nil {
			return 0, err
		}
		destBlock = blk
	} else {
		destBlock = *hintBlock
	}

	e.Updating = true
	e.UpdateChecksum()

	if err := m.copyBlocks(ctx, from, e.Block, to, destBlock, e.NumPages); err != nil {
		e.Updating = false
		e.UpdateChecksum()
		if solo {
			if freeErr := m.alloc.FreeTier(destBlock, uint64(e.NumPages)); freeErr != nil {
				m.log.Errorf("migration: rollback free failed: %v", freeErr)
			}
		}
		return 0, err
	}

	e.Updating = false
	e.UpdateChecksum()

	if solo {
		if _, err := writelog.CloneEntry(log, inode, e, to, destBlock, true); err != nil {
			return 0, err
		}
	}

	m.log.Debugf("migration: moved entry pgoff=%d pages=%d from tier %d to tier %d at block %d",
		e.Pgoff, e.NumPages, from, to, destBlock)
	return destBlock, nil
}

// window is one opt_size-aligned slice of a file's page-index space.
type window struct {
	pgoff    uint64
	numPages uint32
}

func windowsOver(entries []*writelog.Entry, optSize uint32) []window {
	if len(entries) == 0 {
		return nil
	}
	var maxEnd uint64
	for _, e := range entries {
		if e.End() > maxEnd {
			maxEnd = e.End()
		}
	}
	var wins []window
	for start := uint64(0); start < maxEnd; start += uint64(optSize) {
		wins = append(wins, window{pgoff: start, numPages: optSize})
	}
	return wins
}

func entriesOverlapping(entries []*writelog.Entry, w window) []*writelog.Entry {
	var out []*writelog.Entry
	for _, e := range entries {
		if e.Overlaps(w.pgoff, w.numPages) {
			out = append(out, e)
		}
	}
	return out
}

// windowFullyOnFrom reports whether overlapping exactly tiles w with
// entries all on tier from and none straddling w's boundaries.
func windowFullyOnFrom(overlapping []*writelog.Entry, w window, from tieraddr.Tier) bool {
	covered := uint64(0)
	wEnd := w.pgoff + uint64(w.numPages)
	for _, e := range overlapping {
		if e.Tier != from {
			return false
		}
		if e.Pgoff < w.pgoff || e.End() > wEnd {
			return false // straddles a window boundary
		}
		covered += uint64(e.NumPages)
	}
	return covered == uint64(w.numPages)
}

// MigrateGroupEntryBlocks migrates every entry in a window as one
// group (migrate_group_entry_blocks, spec §4.5): it reserves one
// opt_size extent from to (FROM_TAIL), migrates each constituent
// entry with a hint into that extent, and appends a single merged
// entry covering the whole window once every constituent has landed.
// On any constituent's failure the whole reservation is rolled back
// and the first error is returned; no merged entry is appended.
func (m *Mover) MigrateGroupEntryBlocks(ctx context.Context, log *writelog.Log, inode *writelog.Inode, entries []*writelog.Entry, w window, to tieraddr.Tier) error {
	optSize := w.numPages
	base, err := m.alloc.AllocTier(to, tieralloc.ANY_CPU, uint64(optSize), tieralloc.FromTail)
	if err != nil {
		return err
	}

	for _, e := range entries {
		hint := base + (e.Pgoff - w.pgoff)
		if _, err := m.MigrateEntryBlocks(ctx, log, inode, e, to, &hint); err != nil {
			if freeErr := m.alloc.FreeTier(base, uint64(optSize)); freeErr != nil {
				m.log.Errorf("migration: group rollback free failed: %v", freeErr)
			}
			return err
		}
	}

	_, err = writelog.MergeEmit(log, inode, w.pgoff, optSize, base, to)
	return err
}

// MigrateFile moves every live entry of a file from tier from to tier
// to (migrate_a_file_by_entries, spec §4.5), window-walking the
// file's current entries in opt_size chunks, left to right. Any entry
// crossing a window's right boundary is split there first (so by
// induction every entry considered within a window already starts at
// or after the window's pgoff); a window then fully tiled by
// from-tier entries is migrated as one group (S4), otherwise each
// from-tier entry in the window is migrated solo. Entries already on
// a different tier are left alone.
func (m *Mover) MigrateFile(ctx context.Context, log *writelog.Log, inode *writelog.Inode, from, to tieraddr.Tier, optSizeBit uint) error {
	if from == to {
		return tfserr.New(tfserr.Invalid, "migration: source and destination tier are the same")
	}
	optSize := uint32(1) << optSizeBit
	live := log.Live()

	for _, w := range windowsOver(live, optSize) {
		wEnd := w.pgoff + uint64(w.numPages)
		overlapping := entriesOverlapping(live, w)

		for i, e := range overlapping {
			if e.End() <= wEnd {
				continue
			}
			numPrev := uint32(wEnd - e.Pgoff)
			tail, err := writelog.SplitEntry(log, inode, e, numPrev)
			if err != nil {
				return err
			}
			live = append(live, tail)
			overlapping[i] = e // e was mutated in place by SplitEntry
		}

		var onFrom []*writelog.Entry
		for _, e := range overlapping {
			if e.Tier == from {
				onFrom = append(onFrom, e)
			}
		}
		if len(onFrom) == 0 {
			continue
		}

		if windowFullyOnFrom(overlapping, w, from) {
			if err := m.MigrateGroupEntryBlocks(ctx, log, inode, onFrom, w, to); err != nil {
				return err
			}
			continue
		}

		for _, e := range onFrom {
			if _, err := m.MigrateEntryBlocks(ctx, log, inode, e, to, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// CurrentTier returns the file's tier if every live entry in log sits
// on the same tier, and whether that holds (IsSingleTier). Both are
// supplemented features (not in the distilled spec, present in the
// original's per-file tier bookkeeping) used by reporting and by the
// capacity monitor's rotate and promote-to-PMEM paths.
func CurrentTier(log *writelog.Log) (tieraddr.Tier, bool) {
	entries := log.Live()
	if len(entries) == 0 {
		return 0, false
	}
	tier := entries[0].Tier
	for _, e := range entries[1:] {
		if e.Tier != tier {
			return 0, false
		}
	}
	return tier, true
}

// IsSingleTier reports whether every live entry in log sits on the
// same tier.
func IsSingleTier(log *writelog.Log) bool {
	_, ok := CurrentTier(log)
	return ok
}
