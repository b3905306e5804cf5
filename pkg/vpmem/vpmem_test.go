package vpmem

import "testing"

func TestAtReturnsBoundedSlice(t *testing.T) {
	a := NewArena(10, 4096)
	buf, err := a.At(2, 3)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if len(buf) != 3*4096 {
		t.Fatalf("len = %d, want %d", len(buf), 3*4096)
	}
}

func TestAtOutOfBoundsIsInvalid(t *testing.T) {
	a := NewArena(10, 4096)
	if _, err := a.At(8, 5); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestExclusiveLockIsDetected(t *testing.T) {
	a := NewArena(10, 4096)
	if err := a.RangeLock(0, 4, false); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !a.IsRangeLocked(2, 1) {
		t.Fatal("expected overlapping exclusive lock to be detected")
	}
	a.RangeUnlock(0, 4, false)
	if a.IsRangeLocked(2, 1) {
		t.Fatal("expected lock to be released")
	}
}

func TestSharedLockIsNotBusy(t *testing.T) {
	a := NewArena(10, 4096)
	if err := a.RangeLock(0, 4, true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if a.IsRangeLocked(0, 4) {
		t.Fatal("a shared lock should not count as busy")
	}
}
