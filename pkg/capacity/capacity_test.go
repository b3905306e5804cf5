package capacity

import (
	"context"
	"testing"

	"github.com/tierfs/tierfs/pkg/bdevio"
	"github.com/tierfs/tierfs/pkg/migration"
	"github.com/tierfs/tierfs/pkg/profiler"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tieralloc"
	"github.com/tierfs/tierfs/pkg/vpmem"
	"github.com/tierfs/tierfs/pkg/writelog"
	"github.com/tierfs/tierfs/pkg/xferbuf"
)

const pageSize = 64

func newTestMonitor(t *testing.T, pmemBlocks, bdevBlocks uint64) (*Monitor, *tieralloc.Allocator) {
	t.Helper()
	space := tieraddr.NewSpace(pmemBlocks, []tieraddr.BdevInfo{{CapacityPage: bdevBlocks, OptSizeBit: 3}})
	alloc := tieralloc.New(space, 1, nil)
	arena := vpmem.NewArena(pmemBlocks, pageSize)
	dev := bdevio.New(bdevio.NewFakeDevice(int64(bdevBlocks)*pageSize), pageSize, nil)
	mover := migration.New(space, alloc, arena, map[tieraddr.Tier]*bdevio.Device{tieraddr.Tier(1): dev}, xferbuf.New(4, pageSize), nil)
	lru := profiler.NewInodeLRULists(space.TierBdevHigh(), 1)
	return New(alloc, lru, mover, 1, 0, nil), alloc
}

func registerFile(m *Monitor, lru *profiler.InodeLRULists, ino uint64, tier tieraddr.Tier, block, numPages uint64) *File {
	log := writelog.NewLog()
	in := &writelog.Inode{}
	e := &writelog.Entry{Tier: tier, NumPages: uint32(numPages), Block: block, Pgoff: 0}
	_ = writelog.AppendEntry(log, in, e, true)
	f := &File{Ino: ino, Log: log, Node: in}
	m.RegisterFile(f)
	lru.UpdateSihTier(profiler.NewSihState(ino), 0, tier, true, true)
	return f
}

func TestIsHighCrossesThreshold(t *testing.T) {
	m, alloc := newTestMonitor(t, 100, 100)
	high, err := m.IsHigh(tieraddr.PMEM)
	if err != nil {
		t.Fatalf("is_high: %v", err)
	}
	if high {
		t.Fatal("empty tier should not be high")
	}

	if _, err := alloc.AllocTier(tieraddr.PMEM, 0, 80, tieralloc.FromHead); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	high, err = m.IsHigh(tieraddr.PMEM)
	if err != nil {
		t.Fatalf("is_high: %v", err)
	}
	if !high {
		t.Fatal("80% usage should cross the default 75% threshold")
	}
}

func TestPopVictimSkipsReservedInodesAndWrongTier(t *testing.T) {
	m, _ := newTestMonitor(t, 100, 100)
	lru := m.lru

	registerFile(m, lru, 3, tieraddr.PMEM, 0, 4) // reserved, ino <= 8
	registerFile(m, lru, 50, tieraddr.Tier(1), 0, 4) // wrong tier
	registerFile(m, lru, 60, tieraddr.PMEM, 10, 4)   // valid victim

	ino, ok := m.PopVictim(tieraddr.PMEM, 0)
	if !ok {
		t.Fatal("expected a victim to be found")
	}
	if ino != 60 {
		t.Fatalf("victim = %d, want 60", ino)
	}
}

func TestDownwardMigrationMovesOneVictimFromHighPmem(t *testing.T) {
	m, alloc := newTestMonitor(t, 100, 100)
	lru := m.lru

	if _, err := alloc.AllocTier(tieraddr.PMEM, 0, 76, tieralloc.FromHead); err != nil {
		t.Fatalf("alloc filler: %v", err)
	}
	f := registerFile(m, lru, 20, tieraddr.PMEM, 0, 4)

	if err := m.DownwardMigration(context.Background(), 3); err != nil {
		t.Fatalf("downward migration: %v", err)
	}

	tier, single := migration.CurrentTier(f.Log)
	if !single || tier != tieraddr.TierBdevLow {
		t.Fatalf("expected file fully migrated to tier 1, got tier=%d single=%v entries=%+v", tier, single, f.Log.Entries())
	}
}

func TestRotateFileUnsupportedTierIsError(t *testing.T) {
	m, _ := newTestMonitor(t, 100, 100)
	// The LRU lists only cover configured tiers, so this file is
	// registered with the monitor directly rather than via registerFile.
	log := writelog.NewLog()
	in := &writelog.Inode{}
	_ = writelog.AppendEntry(log, in, &writelog.Entry{Tier: tieraddr.Tier(99), NumPages: 4}, true)
	f := &File{Ino: 30, Log: log, Node: in}
	m.RegisterFile(f)
	if err := m.RotateFile(context.Background(), f.Ino, RotateSteady, 3); err == nil {
		t.Fatal("expected error rotating a file on an undefined tier")
	}
}
