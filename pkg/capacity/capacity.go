// Package capacity is the capacity monitor and victim selector of
// spec §4.6: it tracks per-tier usage against a configurable
// threshold and, when a tier runs hot, walks the per-(tier, cpu)
// inode LRU lists round robin to pick a file to demote.
package capacity

import (
	"context"

	"github.com/tierfs/tierfs/pkg/migration"
	"github.com/tierfs/tierfs/pkg/profiler"
	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tieralloc"
	"github.com/tierfs/tierfs/pkg/tlog"
	"github.com/tierfs/tierfs/pkg/writelog"
)

// DefaultThresholdPercent is MIGRATION_DOWNWARD_PERC: a tier is
// "high" once used*100 > threshold*total.
const DefaultThresholdPercent = 75

// minReservedIno matches the original's "ino > 8" reserved range:
// inode numbers at or below this are never migration victims.
const minReservedIno = 8

// File is the subset of a tracked file's state the monitor needs: its
// inode number, its write-entry log, and its inode accounting. The
// group-migration size is passed to each migrating call instead.
type File struct {
	Ino  uint64
	Log  *writelog.Log
	Node *writelog.Inode
}

// Monitor ties together the tier allocator (for usage accounting),
// the inode LRU lists (for victim selection), and a migration.Mover
// (to actually perform a demotion).
type Monitor struct {
	alloc     *tieralloc.Allocator
	lru       *profiler.InodeLRULists
	mover     *migration.Mover
	cpus      int
	threshold uint64
	log       tlog.Logger

	files map[uint64]*File
}

// New builds a Monitor. threshold is MIGRATION_DOWNWARD_PERC; pass 0
// to use DefaultThresholdPercent.
func New(alloc *tieralloc.Allocator, lru *profiler.InodeLRULists, mover *migration.Mover, cpus int, threshold uint64, log tlog.Logger) *Monitor {
	if log == nil {
		log = tlog.Discard{}
	}
	if threshold == 0 {
		threshold = DefaultThresholdPercent
	}
	return &Monitor{alloc: alloc, lru: lru, mover: mover, cpus: cpus, threshold: threshold, log: log, files: make(map[uint64]*File)}
}

// RegisterFile makes ino's log visible to PopVictim and the migration
// helpers. The enclosing file system calls this once per open inode;
// out of scope here is how inodes are discovered or iterated on disk.
func (m *Monitor) RegisterFile(f *File) {
	m.files[f.Ino] = f
}

// Used sums used blocks (total - free) across every shard of tier
// (nova_pmem_used / nova_bdev_used).
func (m *Monitor) Used(tier tieraddr.Tier) (uint64, error) {
	shards, err := m.alloc.Shards(tier)
	if err != nil {
		return 0, err
	}
	var used uint64
	for _, s := range shards {
		used += s.NumTotal - s.NumFree
	}
	return used, nil
}

// Total sums total blocks across every shard of tier.
func (m *Monitor) Total(tier tieraddr.Tier) (uint64, error) {
	shards, err := m.alloc.Shards(tier)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, s := range shards {
		total += s.NumTotal
	}
	return total, nil
}

// IsHigh reports whether tier's usage exceeds the configured
// threshold (is_pmem_usage_high / is_bdev_usage_high).
func (m *Monitor) IsHigh(tier tieraddr.Tier) (bool, error) {
	used, err := m.Used(tier)
	if err != nil {
		return false, err
	}
	total, err := m.Total(tier)
	if err != nil {
		return false, err
	}
	return used*100 > m.threshold*total, nil
}

// PopVictim walks tier's inode LRU lists round robin starting at
// startCPU, returning the first registered inode whose ino exceeds
// minReservedIno and whose first write entry currently sits on tier
// (pop_an_inode_to_migrate). Returns ok=false if none is found.
func (m *Monitor) PopVictim(tier tieraddr.Tier, startCPU int) (ino uint64, ok bool) {
	for j := 0; j < m.cpus; j++ {
		cpu := (startCPU + j) % m.cpus
		for _, candidate := range m.lru.Shard(tier, cpu) {
			if candidate <= minReservedIno {
				continue
			}
			f, known := m.files[candidate]
			if !known {
				continue
			}
			entry := writelog.FindNextEntry(f.Log, 0)
			if entry == nil {
				continue
			}
			if entry.Tier == tier {
				m.log.Debugf("capacity: inode %d popped as victim on tier %d", candidate, tier)
				return candidate, true
			}
		}
	}
	return 0, false
}

// DownwardMigration makes one demotion pass (do_migrate_a_file_downward,
// spec §4.6): if PMEM is high, demote one victim from PMEM to the
// first block-device tier; then for each intermediate tier T (from
// TierBdevLow up to, but not including, the highest configured
// tier), if T is high, demote one victim from T to T+1. A single call
// performs at most one demotion per tier, never a loop to quiescence,
// so the caller is expected to schedule it periodically.
func (m *Monitor) DownwardMigration(ctx context.Context, optSizeBit uint) error {
	high, err := m.IsHigh(tieraddr.PMEM)
	if err != nil {
		return err
	}
	if high {
		if ino, ok := m.PopVictim(tieraddr.PMEM, 0); ok {
			f := m.files[ino]
			if err := m.mover.MigrateFile(ctx, f.Log, f.Node, tieraddr.PMEM, tieraddr.TierBdevLow, optSizeBit); err != nil {
				return err
			}
		} else {
			m.log.Debugf("capacity: PMEM usage high but no victim found")
		}
	}

	top := m.alloc.Space().TierBdevHigh()
	for t := tieraddr.TierBdevLow; t < top; t++ {
		high, err := m.IsHigh(t)
		if err != nil {
			return err
		}
		if !high {
			continue
		}
		ino, ok := m.PopVictim(t, 0)
		if !ok {
			m.log.Debugf("capacity: tier %d usage high but no victim found", t)
			continue
		}
		f := m.files[ino]
		if err := m.mover.MigrateFile(ctx, f.Log, f.Node, t, t+1, optSizeBit); err != nil {
			return err
		}
	}
	return nil
}

// RotateMode selects do_migrate_a_file_rotate's destination-tier
// policy for a file currently on TierBdevLow. XFSTests mirrors the
// original's DEBUG_XFSTESTS compile-time switch: when set, a file on
// TierBdevLow rotates straight back to PMEM instead of onward to the
// next block-device tier, exercising the up/down cycle a filesystem
// test harness wants instead of the steady-state downward drift.
type RotateMode int

const (
	RotateSteady RotateMode = iota
	RotateXFSTests
)

// RotateFile moves every entry of ino one step around the tier rotate
// cycle PMEM -> TierBdevLow -> TierBdevHigh -> PMEM (do_migrate_a_file_rotate,
// spec supplemented feature). It requires the file to currently be
// single-tier (is_not_same_tier) and fails with Unsupported if the
// file's tier has no defined rotate successor.
func (m *Monitor) RotateFile(ctx context.Context, ino uint64, mode RotateMode, optSizeBit uint) error {
	f, ok := m.files[ino]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "capacity: inode %d is not registered", ino)
	}
	tier, single := migration.CurrentTier(f.Log)
	if !single {
		return tfserr.Newf(tfserr.Invalid, "capacity: inode %d write entries are not all on the same tier", ino)
	}

	top := m.alloc.Space().TierBdevHigh()
	switch {
	case tier == tieraddr.PMEM:
		return m.mover.MigrateFile(ctx, f.Log, f.Node, tieraddr.PMEM, tieraddr.TierBdevLow, optSizeBit)
	case tier == tieraddr.TierBdevLow:
		if mode == RotateXFSTests {
			return m.mover.MigrateFile(ctx, f.Log, f.Node, tieraddr.TierBdevLow, tieraddr.PMEM, optSizeBit)
		}
		return m.mover.MigrateFile(ctx, f.Log, f.Node, tieraddr.TierBdevLow, top, optSizeBit)
	case tier == top:
		return m.mover.MigrateFile(ctx, f.Log, f.Node, top, tieraddr.PMEM, optSizeBit)
	default:
		return tfserr.Newf(tfserr.Unsupported, "capacity: no rotate successor defined for tier %d", tier)
	}
}

// MigrateFileToPmem promotes ino entirely to PMEM in one call
// (migrate_a_file_to_pmem, spec supplemented feature); a no-op if the
// file is already entirely on PMEM.
func (m *Monitor) MigrateFileToPmem(ctx context.Context, ino uint64, optSizeBit uint) error {
	f, ok := m.files[ino]
	if !ok {
		return tfserr.Newf(tfserr.Invalid, "capacity: inode %d is not registered", ino)
	}
	tier, single := migration.CurrentTier(f.Log)
	if single && tier == tieraddr.PMEM {
		return nil
	}
	top := m.alloc.Space().TierBdevHigh()
	for t := tieraddr.TierBdevLow; t <= top; t++ {
		if err := m.mover.MigrateFile(ctx, f.Log, f.Node, t, tieraddr.PMEM, optSizeBit); err != nil {
			return err
		}
	}
	return nil
}

// Report is a point-in-time usage snapshot across every configured
// tier (supplemented feature, used by the CLI's report subcommand).
type Report struct {
	Tier  tieraddr.Tier
	Used  uint64
	Total uint64
	High  bool
}

// Snapshot returns a Report for every configured tier, PMEM first.
func (m *Monitor) Snapshot() ([]Report, error) {
	top := m.alloc.Space().TierBdevHigh()
	reports := make([]Report, 0, int(top)+1)
	for t := tieraddr.PMEM; t <= top; t++ {
		used, err := m.Used(t)
		if err != nil {
			return nil, err
		}
		total, err := m.Total(t)
		if err != nil {
			return nil, err
		}
		high, err := m.IsHigh(t)
		if err != nil {
			return nil, err
		}
		reports = append(reports, Report{Tier: t, Used: used, Total: total, High: high})
	}
	return reports, nil
}
