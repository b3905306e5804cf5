package rangetree

import (
	"math/rand"
	"testing"
)

func TestInsertOrderedTraversal(t *testing.T) {
	tr := New()
	lows := []uint64{100, 10, 50, 1, 75, 25, 200}
	for i, low := range lows {
		if err := tr.Insert(NewNode(low, low+uint64(i))); err != nil {
			t.Fatalf("insert %d: %v", low, err)
		}
	}
	if tr.Len() != len(lows) {
		t.Fatalf("len = %d, want %d", tr.Len(), len(lows))
	}

	var got []uint64
	tr.Walk(func(n *Node) bool {
		got = append(got, n.Low)
		return true
	})
	want := []uint64{1, 10, 25, 50, 75, 100, 200}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestNextPrev(t *testing.T) {
	tr := New()
	for _, low := range []uint64{10, 20, 30, 40} {
		tr.Insert(NewNode(low, low+5))
	}
	n := tr.Find(20)
	if n == nil {
		t.Fatal("find 20 failed")
	}
	if nx := tr.Next(n); nx == nil || nx.Low != 30 {
		t.Fatalf("next of 20 = %v, want 30", nx)
	}
	if pv := tr.Prev(n); pv == nil || pv.Low != 10 {
		t.Fatalf("prev of 20 = %v, want 10", pv)
	}
	if tr.Next(tr.Max()) != nil {
		t.Fatal("next of max should be nil")
	}
	if tr.Prev(tr.Min()) != nil {
		t.Fatal("prev of min should be nil")
	}
}

func TestEraseMaintainsOrder(t *testing.T) {
	tr := New()
	nodes := map[uint64]*Node{}
	for _, low := range []uint64{50, 30, 70, 20, 40, 60, 80, 10} {
		n := NewNode(low, low)
		nodes[low] = n
		tr.Insert(n)
	}

	tr.Erase(nodes[30])
	tr.Erase(nodes[70])
	tr.Erase(nodes[50])

	if tr.Len() != 5 {
		t.Fatalf("len = %d, want 5", tr.Len())
	}

	var got []uint64
	tr.Walk(func(n *Node) bool {
		got = append(got, n.Low)
		return true
	})
	want := []uint64{10, 20, 40, 60, 80}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRandomizedInsertEraseStaysOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tr := New()
	var nodes []*Node
	present := map[uint64]bool{}

	for i := 0; i < 500; i++ {
		low := uint64(rng.Intn(100000) * 10)
		if present[low] {
			continue
		}
		present[low] = true
		n := NewNode(low, low)
		nodes = append(nodes, n)
		if err := tr.Insert(n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	for i := 0; i < len(nodes)/2; i++ {
		tr.Erase(nodes[i])
		delete(present, nodes[i].Low)
	}

	var got []uint64
	tr.Walk(func(n *Node) bool {
		got = append(got, n.Low)
		return true
	})
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("not ordered at %d: %v", i, got)
		}
	}
	if len(got) != len(present) {
		t.Fatalf("len mismatch: tree has %d, expected %d", len(got), len(present))
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	n := NewNode(5, 10)
	if !n.ChecksumOK() {
		t.Fatal("freshly built node should pass checksum")
	}
	n.High = 11 // mutate without UpdateChecksum
	if n.ChecksumOK() {
		t.Fatal("checksum should fail after silent mutation")
	}
	n.UpdateChecksum()
	if !n.ChecksumOK() {
		t.Fatal("checksum should pass after UpdateChecksum")
	}
}

func TestFindFreeSlot(t *testing.T) {
	tr := New()
	tr.Insert(NewNode(0, 9))
	tr.Insert(NewNode(20, 29))

	prev, next := tr.FindFreeSlot(10, 19)
	if prev == nil || prev.Low != 0 {
		t.Fatalf("prev = %v, want low=0", prev)
	}
	if next == nil || next.Low != 20 {
		t.Fatalf("next = %v, want low=20", next)
	}
}
