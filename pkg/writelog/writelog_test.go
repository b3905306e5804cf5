package writelog

import (
	"testing"

	"github.com/tierfs/tierfs/pkg/tieraddr"
)

func TestAppendCreditsInodeBlocks(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e := &Entry{Tier: tieraddr.PMEM, NumPages: 4, Block: 0, Pgoff: 0}

	if err := AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}
	if in.Blocks() != 4 {
		t.Fatalf("iblocks = %d, want 4", in.Blocks())
	}
	if !e.ChecksumOK() {
		t.Fatal("checksum should be valid after append")
	}
}

func TestAppendZeroPagesIsInvalid(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e := &Entry{NumPages: 0}
	if err := AppendEntry(log, in, e, true); err == nil {
		t.Fatal("expected error appending zero-length entry")
	}
}

func TestCloneInheritsFieldsCarriesNewLocation(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	orig := &Entry{Tier: tieraddr.PMEM, NumPages: 8, Block: 100, Pgoff: 0, Mtime: 5, EpochID: 1, SeqCount: 3}
	if err := AppendEntry(log, in, orig, true); err != nil {
		t.Fatalf("append orig: %v", err)
	}

	clone, err := CloneEntry(log, in, orig, tieraddr.Tier(1), 900, true)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Pgoff != orig.Pgoff || clone.NumPages != orig.NumPages || clone.SeqCount != orig.SeqCount {
		t.Fatalf("clone did not inherit fields: %+v", clone)
	}
	if clone.Tier != tieraddr.Tier(1) || clone.Block != 900 {
		t.Fatalf("clone did not carry new location: %+v", clone)
	}
	if in.Blocks() != 16 {
		t.Fatalf("iblocks = %d, want 16", in.Blocks())
	}
}

// TestSplitThenConceptualMergePreservesFields exercises R4: splitting
// an entry at a boundary then reconstructing the original range from
// the two halves recovers the same (pgoff, num_pages, block, tier).
func TestSplitThenConceptualMergePreservesFields(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e := &Entry{Tier: tieraddr.PMEM, NumPages: 12, Block: 50, Pgoff: 4}
	if err := AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	tail, err := SplitEntry(log, in, e, 5)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	if e.Pgoff != 4 || e.NumPages != 5 || e.Block != 50 || e.Tier != tieraddr.PMEM {
		t.Fatalf("head entry wrong after split: %+v", e)
	}
	if tail.Pgoff != 9 || tail.NumPages != 7 || tail.Block != 55 || tail.Tier != tieraddr.PMEM {
		t.Fatalf("tail entry wrong after split: %+v", tail)
	}

	// Reconstructed original range.
	if tail.Pgoff != e.Pgoff+uint64(e.NumPages) || tail.Block != e.Block+uint64(e.NumPages) {
		t.Fatalf("split halves are not contiguous")
	}
}

func TestSplitOutOfRangeIsInvalid(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e := &Entry{NumPages: 4, Pgoff: 0}
	if err := AppendEntry(log, in, e, true); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := SplitEntry(log, in, e, 4); err == nil {
		t.Fatal("expected error splitting at or beyond entry length")
	}
	if _, err := SplitEntry(log, in, e, 0); err == nil {
		t.Fatal("expected error splitting at zero")
	}
}

func TestMergeEmitAppendsOneExtent(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e, err := MergeEmit(log, in, 0, 8, 1000, tieraddr.Tier(2))
	if err != nil {
		t.Fatalf("merge_emit: %v", err)
	}
	if e.NumPages != 8 || e.Block != 1000 || e.Tier != tieraddr.Tier(2) {
		t.Fatalf("merged entry wrong: %+v", e)
	}
	if len(log.Entries()) != 1 {
		t.Fatalf("expected exactly one entry in log")
	}
}

func TestFindNextEntryReturnsCoveringOrFollowing(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e1 := &Entry{NumPages: 4, Pgoff: 0, Block: 0}
	e2 := &Entry{NumPages: 4, Pgoff: 10, Block: 100}
	_ = AppendEntry(log, in, e1, true)
	_ = AppendEntry(log, in, e2, true)

	if got := FindNextEntry(log, 2); got != e1 {
		t.Fatalf("expected e1 covering pgoff 2, got %+v", got)
	}
	if got := FindNextEntry(log, 6); got != e2 {
		t.Fatalf("expected e2 as next entry after the gap, got %+v", got)
	}
	if got := FindNextEntry(log, 100); got != nil {
		t.Fatalf("expected nil past every entry, got %+v", got)
	}
}

func TestLiveExcludesEntriesSupersededByLaterOverlap(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e1 := &Entry{Tier: tieraddr.PMEM, NumPages: 4, Pgoff: 0, Block: 0}
	e2 := &Entry{Tier: tieraddr.PMEM, NumPages: 4, Pgoff: 10, Block: 100}
	if err := AppendEntry(log, in, e1, true); err != nil {
		t.Fatalf("append e1: %v", err)
	}
	if err := AppendEntry(log, in, e2, true); err != nil {
		t.Fatalf("append e2: %v", err)
	}

	clone, err := CloneEntry(log, in, e1, tieraddr.Tier(1), 900, true)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	live := log.Live()
	if len(live) != 2 {
		t.Fatalf("expected 2 live entries (clone + untouched e2), got %d: %+v", len(live), live)
	}
	var sawClone, sawE1, sawE2 bool
	for _, e := range live {
		switch e {
		case clone:
			sawClone = true
		case e1:
			sawE1 = true
		case e2:
			sawE2 = true
		}
	}
	if !sawClone || sawE1 || !sawE2 {
		t.Fatalf("expected live set = {clone, e2}, got clone=%v e1=%v e2=%v", sawClone, sawE1, sawE2)
	}
}

func TestChecksumDetectsInPlaceTamper(t *testing.T) {
	log := NewLog()
	in := &Inode{}
	e := &Entry{NumPages: 4, Pgoff: 0}
	_ = AppendEntry(log, in, e, true)

	e.Updating = true
	if e.ChecksumOK() {
		t.Fatal("checksum should be stale after in-place mutation without UpdateChecksum")
	}
	e.UpdateChecksum()
	if !e.ChecksumOK() {
		t.Fatal("checksum should be valid after UpdateChecksum")
	}
}
