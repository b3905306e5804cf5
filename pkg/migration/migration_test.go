package migration

import (
	"context"
	"testing"

	"github.com/tierfs/tierfs/pkg/bdevio"
	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tieralloc"
	"github.com/tierfs/tierfs/pkg/vpmem"
	"github.com/tierfs/tierfs/pkg/writelog"
	"github.com/tierfs/tierfs/pkg/xferbuf"
)

const testPageSize = 64

func newTestMover(t *testing.T, pmemBlocks, bdevBlocks uint64, optSizeBit uint) (*Mover, *tieralloc.Allocator) {
	t.Helper()
	space := tieraddr.NewSpace(pmemBlocks, []tieraddr.BdevInfo{
		{CapacityPage: bdevBlocks, OptSizeBit: optSizeBit},
	})
	alloc := tieralloc.New(space, 1, nil)
	arena := vpmem.NewArena(pmemBlocks, testPageSize)
	dev := bdevio.New(bdevio.NewFakeDevice(int64(bdevBlocks)*testPageSize), testPageSize, nil)
	buf := xferbuf.New(4, testPageSize)
	m := New(space, alloc, arena, map[tieraddr.Tier]*bdevio.Device{tieraddr.Tier(1): dev}, buf, nil)
	return m, alloc
}

func TestMigrateEntryBlocksSoloPmemToBdev(t *testing.T) {
	m, _ := newTestMover(t, 100, 100, 3)
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 4, Block: 0, Pgoff: 0}
	if err := writelog.AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	dest, err := m.MigrateEntryBlocks(context.Background(), log, in, e, tieraddr.Tier(1), nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if e.Updating {
		t.Fatal("entry should not be mid-migration after commit")
	}

	entries := log.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected original + clone, got %d entries", len(entries))
	}
	clone := entries[1]
	if clone.Tier != tieraddr.Tier(1) || clone.Block != dest || clone.Pgoff != e.Pgoff || clone.NumPages != e.NumPages {
		t.Fatalf("clone wrong: %+v", clone)
	}
}

// TestMigrateEntryBlocksBusyWhenUpdating exercises spec's B5: a
// migration aborts with BUSY when the entry is already mid-migration,
// without mutating the entry or appending anything to the log.
func TestMigrateEntryBlocksBusyWhenUpdating(t *testing.T) {
	m, _ := newTestMover(t, 100, 100, 3)
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 4, Block: 0, Pgoff: 0, Updating: true}
	if err := writelog.AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	before := *e
	beforeLen := len(log.Entries())

	_, err := m.MigrateEntryBlocks(context.Background(), log, in, e, tieraddr.Tier(1), nil)
	if err == nil || tfserr.KindOf(err) != tfserr.Busy {
		t.Fatalf("expected Busy, got %v", err)
	}
	if e.Tier != before.Tier || e.Block != before.Block || e.NumPages != before.NumPages || e.Pgoff != before.Pgoff || !e.Updating {
		t.Fatalf("entry mutated on BUSY abort: before=%+v after=%+v", before, *e)
	}
	if len(log.Entries()) != beforeLen {
		t.Fatalf("log mutated on BUSY abort: before=%d after=%d entries", beforeLen, len(log.Entries()))
	}
}

// TestMigrateFileGroupAndRemainder exercises spec's B6: a 20-page file
// migrated with opt_size=8 produces two merged 8-page groups and one
// solo-migrated 4-page remainder.
func TestMigrateFileGroupAndRemainder(t *testing.T) {
	m, _ := newTestMover(t, 32, 64, 3)
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 20, Block: 0, Pgoff: 0}
	if err := writelog.AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := m.MigrateFile(context.Background(), log, in, tieraddr.PMEM, tieraddr.Tier(1), 3); err != nil {
		t.Fatalf("migrate file: %v", err)
	}

	var groupsOf8, remainderOf4 int
	for _, e := range log.Entries() {
		if e.Tier != tieraddr.Tier(1) {
			continue
		}
		switch e.NumPages {
		case 8:
			groupsOf8++
		case 4:
			remainderOf4++
		}
	}
	if groupsOf8 != 2 || remainderOf4 != 1 {
		t.Fatalf("expected 2 groups of 8 and 1 remainder of 4 on tier 1, got %d groups and %d remainder; entries: %+v",
			groupsOf8, remainderOf4, log.Entries())
	}
}

// TestMigrateFileTwoTierFortyPages exercises spec's S2: a 40-page file
// entirely on T1 migrated to T2 ends with its last entry on T2 and no
// live entry remaining on T1. Each tier has 160 blocks over 4 CPU
// shards of 40, so the 40-page seed fits one shard's contiguous run.
func TestMigrateFileTwoTierFortyPages(t *testing.T) {
	space := tieraddr.NewSpace(0, []tieraddr.BdevInfo{
		{CapacityPage: 160, OptSizeBit: 3},
		{CapacityPage: 160, OptSizeBit: 3},
	})
	alloc := tieralloc.New(space, 4, nil)
	dev1 := bdevio.New(bdevio.NewFakeDevice(160*testPageSize), testPageSize, nil)
	dev2 := bdevio.New(bdevio.NewFakeDevice(160*testPageSize), testPageSize, nil)
	buf := xferbuf.New(4, testPageSize)
	m := New(space, alloc, vpmem.NewArena(0, testPageSize),
		map[tieraddr.Tier]*bdevio.Device{tieraddr.Tier(1): dev1, tieraddr.Tier(2): dev2}, buf, nil)

	block, err := alloc.AllocTier(tieraddr.Tier(1), 0, 40, tieralloc.FromHead)
	if err != nil {
		t.Fatalf("seed alloc: %v", err)
	}
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tieraddr.Tier(1), NumPages: 40, Block: block, Pgoff: 0}
	if err := writelog.AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := m.MigrateFile(context.Background(), log, in, tieraddr.Tier(1), tieraddr.Tier(2), 3); err != nil {
		t.Fatalf("migrate file: %v", err)
	}

	live := log.Live()
	for _, le := range live {
		if le.Tier == tieraddr.Tier(1) {
			t.Fatalf("live entry still on tier 1 after migration: %+v (live set: %+v)", le, live)
		}
	}
	if tier, ok := CurrentTier(log); !ok || tier != tieraddr.Tier(2) {
		t.Fatalf("CurrentTier = (%d, %v), want (tier 2, true)", tier, ok)
	}
}

// TestMigrateFileGroupsStraddlingWindow exercises spec's S4 scenario:
// E1=[0,4) and E2=[4,12) on PMEM with opt_size_bit=3 (opt_size=8).
// Migrating PMEM->tier 1 should split E2 at the window boundary, then
// group migrate E1+E2a as one merged 8-page entry on tier 1.
func TestMigrateFileGroupsStraddlingWindow(t *testing.T) {
	m, _ := newTestMover(t, 16, 32, 3)
	log := writelog.NewLog()
	in := &writelog.Inode{}

	e1 := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 4, Block: 0, Pgoff: 0}
	e2 := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 8, Block: 4, Pgoff: 4}
	if err := writelog.AppendEntry(log, in, e1, true); err != nil {
		t.Fatalf("append e1: %v", err)
	}
	if err := writelog.AppendEntry(log, in, e2, true); err != nil {
		t.Fatalf("append e2: %v", err)
	}

	if err := m.MigrateFile(context.Background(), log, in, tieraddr.PMEM, tieraddr.Tier(1), 3); err != nil {
		t.Fatalf("migrate file: %v", err)
	}

	var merged *writelog.Entry
	for _, e := range log.Entries() {
		if e.Tier == tieraddr.Tier(1) && e.Pgoff == 0 && e.NumPages == 8 {
			merged = e
		}
	}
	if merged == nil {
		t.Fatalf("expected one merged 8-page entry on tier 1 covering [0,8), entries: %+v", log.Entries())
	}
}

// TestMigrateEntryBlocksRoundTripPreservesBytes exercises spec's R2/R3:
// data written to PMEM, migrated to a bdev tier and back, reads back
// byte-for-byte identical at every hop.
func TestMigrateEntryBlocksRoundTripPreservesBytes(t *testing.T) {
	arena := vpmem.NewArena(16, testPageSize)
	dev := bdevio.New(bdevio.NewFakeDevice(16*testPageSize), testPageSize, nil)
	space := tieraddr.NewSpace(16, []tieraddr.BdevInfo{{CapacityPage: 16, OptSizeBit: 3}})
	alloc := tieralloc.New(space, 1, nil)
	buf := xferbuf.New(4, testPageSize)
	m := New(space, alloc, arena, map[tieraddr.Tier]*bdevio.Device{tieraddr.Tier(1): dev}, buf, nil)

	const numPages = 4
	want := make([]byte, numPages*testPageSize)
	for i := range want {
		want[i] = byte(i % 251)
	}
	srcBlock, err := alloc.AllocTier(tieraddr.PMEM, 0, numPages, tieralloc.FromHead)
	if err != nil {
		t.Fatalf("reserve source blocks: %v", err)
	}
	pmemRegion, err := arena.At(srcBlock, numPages)
	if err != nil {
		t.Fatalf("pmem region: %v", err)
	}
	copy(pmemRegion, want)

	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: numPages, Block: srcBlock, Pgoff: 0}
	if err := writelog.AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Round trip 1: PMEM -> bdev tier 1.
	destBlock, err := m.MigrateEntryBlocks(context.Background(), log, in, e, tieraddr.Tier(1), nil)
	if err != nil {
		t.Fatalf("migrate to bdev: %v", err)
	}
	onBdev := make([]byte, len(want))
	for i := 0; i < numPages; i++ {
		page := onBdev[i*testPageSize : (i+1)*testPageSize]
		local := space.Local(tieraddr.BlockNumber(destBlock), tieraddr.Tier(1)) + uint64(i)
		if _, err := dev.ReadBlock(context.Background(), local, page, bdevio.Sync); err != nil {
			t.Fatalf("read back from bdev: %v", err)
		}
	}
	if !bytesEqual(onBdev, want) {
		t.Fatalf("bytes differ after PMEM->bdev migration")
	}

	// Round trip 2: bdev tier 1 -> PMEM, landing at a fresh block.
	entries := log.Live()
	var onTier1 *writelog.Entry
	for _, le := range entries {
		if le.Tier == tieraddr.Tier(1) {
			onTier1 = le
		}
	}
	if onTier1 == nil {
		t.Fatalf("expected a live entry on tier 1 after first migration")
	}
	backBlock, err := m.MigrateEntryBlocks(context.Background(), log, in, onTier1, tieraddr.PMEM, nil)
	if err != nil {
		t.Fatalf("migrate back to pmem: %v", err)
	}
	backRegion, err := arena.At(backBlock, numPages)
	if err != nil {
		t.Fatalf("pmem region after round trip: %v", err)
	}
	if !bytesEqual(backRegion, want) {
		t.Fatalf("bytes differ after bdev->PMEM round trip back to PMEM")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCurrentTierAndIsSingleTier(t *testing.T) {
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e1 := &writelog.Entry{Tier: tieraddr.PMEM, NumPages: 4, Pgoff: 0}
	_ = writelog.AppendEntry(log, in, e1, true)

	if tier, ok := CurrentTier(log); !ok || tier != tieraddr.PMEM {
		t.Fatalf("CurrentTier = (%d, %v), want (PMEM, true)", tier, ok)
	}
	if !IsSingleTier(log) {
		t.Fatal("expected single tier file")
	}

	e2 := &writelog.Entry{Tier: tieraddr.Tier(1), NumPages: 4, Pgoff: 4}
	_ = writelog.AppendEntry(log, in, e2, true)
	if IsSingleTier(log) {
		t.Fatal("expected multi-tier file after second entry on a different tier")
	}
}
