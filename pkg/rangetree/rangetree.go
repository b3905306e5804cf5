// Package rangetree implements the ordered container used by every
// free-space allocator in tierfs: a red-black tree of disjoint,
// closed [Low, High] block ranges keyed by their low endpoint, supporting
// O(log n) predecessor/successor navigation, insert, and erase.
//
// Adjacent ranges are never both present: free() merges a new range
// with an abutting left or right neighbor rather than inserting a
// redundant node (I2 in the governing spec).
package rangetree

import "github.com/pkg/errors"

// ErrInvalidRange is returned by Insert when low > high.
var ErrInvalidRange = errors.New("rangetree: low > high")

type color bool

const (
	red   color = true
	black color = false
)

// Node is one entry in a Tree: a closed interval [Low, High] of free
// global block numbers, plus an integrity checksum over (Low, High).
// A Node belongs to exactly one Tree at a time.
type Node struct {
	Low, High uint64
	checksum  uint64

	color               color
	left, right, parent *Node
}

// NewNode builds a node for [low, high] with its checksum populated.
func NewNode(low, high uint64) *Node {
	n := &Node{Low: low, High: high}
	n.UpdateChecksum()
	return n
}

// Size returns the number of blocks the node's range covers.
func (n *Node) Size() uint64 {
	return n.High - n.Low + 1
}

// UpdateChecksum recomputes the node's integrity checksum. Callers
// must call this after mutating Low or High directly.
func (n *Node) UpdateChecksum() {
	n.checksum = checksum(n.Low, n.High)
}

// ChecksumOK reports whether the node's checksum matches its current
// (Low, High). A mismatch indicates corruption.
func (n *Node) ChecksumOK() bool {
	return n.checksum == checksum(n.Low, n.High)
}

func checksum(low, high uint64) uint64 {
	// A simple, fast integrity check; not cryptographic. Mixes both
	// endpoints so a single corrupted word is caught.
	h := low*0x9E3779B97F4A7C15 + 0xC2B2AE3D27D4EB4F
	h ^= high * 0xBF58476D1CE4E5B9
	h ^= h >> 29
	return h
}

// Tree is an ordered, in-memory container of disjoint Nodes keyed by
// Low. It is not safe for concurrent use; callers (pkg/freelist) guard
// it with their own lock.
type Tree struct {
	root *Node
	size int
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{}
}

// Len returns the number of nodes currently in the tree.
func (t *Tree) Len() int {
	return t.size
}

// Min returns the node with the smallest Low, or nil if the tree is
// empty.
func (t *Tree) Min() *Node {
	return min(t.root)
}

// Max returns the node with the largest Low, or nil if the tree is
// empty.
func (t *Tree) Max() *Node {
	return max(t.root)
}

func min(n *Node) *Node {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func max(n *Node) *Node {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// Next returns the in-order successor of n (the node with the next
// larger Low), or nil if n is the maximum.
func (t *Tree) Next(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.right != nil {
		return min(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

// Prev returns the in-order predecessor of n (the node with the next
// smaller Low), or nil if n is the minimum.
func (t *Tree) Prev(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.left != nil {
		return max(n.left)
	}
	p := n.parent
	for p != nil && n == p.left {
		n = p
		p = p.parent
	}
	return p
}

// Find returns the node whose range contains block, or nil.
func (t *Tree) Find(block uint64) *Node {
	n := t.root
	for n != nil {
		switch {
		case block < n.Low:
			n = n.left
		case block > n.High:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// FindFreeSlot locates the predecessor and successor of [low, high]:
// the node with the greatest Low that is < low (or whose range could
// abut low from the left) and the node with the smallest Low that is
// > high. Used by the free() algorithm to decide whether a freed
// range coalesces with a neighbor. low/high need not be (and for a
// free(), are not) already present in the tree.
func (t *Tree) FindFreeSlot(low, high uint64) (prev, next *Node) {
	n := t.root
	for n != nil {
		switch {
		case high < n.Low:
			next = n
			n = n.left
		case low > n.High:
			prev = n
			n = n.right
		default:
			// Overlaps an existing free range: caller error (double free)
			// or a range that hasn't been removed yet. Report both
			// neighbors around the overlapping node as a best effort.
			return t.Prev(n), t.Next(n)
		}
	}
	return prev, next
}

// Insert adds n to the tree, keyed by n.Low. Ranges must not overlap
// any existing node; callers are responsible for coalescing before
// inserting (see pkg/freelist's free algorithm).
func (t *Tree) Insert(n *Node) error {
	if n.Low > n.High {
		return ErrInvalidRange
	}
	n.left, n.right, n.parent = nil, nil, nil

	if t.root == nil {
		n.color = black
		t.root = n
		t.size++
		return nil
	}

	cur := t.root
	var parent *Node
	goLeft := false
	for cur != nil {
		parent = cur
		if n.Low < cur.Low {
			cur = cur.left
			goLeft = true
		} else {
			cur = cur.right
			goLeft = false
		}
	}

	n.parent = parent
	n.color = red
	if goLeft {
		parent.left = n
	} else {
		parent.right = n
	}

	t.insertFixup(n)
	t.size++
	return nil
}

// Erase removes n from the tree. n must currently be a member of t.
func (t *Tree) Erase(n *Node) {
	t.erase(n)
	t.size--
}

// Walk calls fn for every node in ascending Low order, starting from
// the minimum. fn returning false stops the walk early.
func (t *Tree) Walk(fn func(*Node) bool) {
	for n := t.Min(); n != nil; n = t.Next(n) {
		if !fn(n) {
			return
		}
	}
}

// TotalBlocks sums Size() over every node; O(n).
func (t *Tree) TotalBlocks() uint64 {
	var total uint64
	t.Walk(func(n *Node) bool {
		total += n.Size()
		return true
	})
	return total
}
