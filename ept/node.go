package ept

import (
	"fmt"

	"github.com/google/btree"
)

// PageAllocator is the out-of-scope "contiguous-physical allocator"
// collaborator (spec.md §1): it hands the arena a zeroed 4 KiB page and its
// physical-page-frame number, and takes pages back on teardown. Legal to
// call only at or below DISPATCH IRQL, same restriction the allocator it
// wraps carries in the driver shell.
type PageAllocator interface {
	AllocPage() (pfn uint64, table *[512]uint64, err error)
	FreePage(pfn uint64)
}

// Node is one node of the four-level EPT tree (spec.md §3). Per §9 Design
// Notes, the per-parent sibling ring is modeled as an ordered container
// keyed by PML index -- a github.com/google/btree B-tree -- rather than the
// teacher source's intrusive cyclic doubly-linked list, which has no safe
// Go analogue.
type Node struct {
	Level  int // 1=PT 2=PD 3=PDPT 4=PML4, 0 = detached (arena/reserve)
	Index  int // the parent entry index that selected this node
	PFN    uint64
	Table  *[512]uint64
	Parent *Node

	children *btree.BTreeG[childEntry]
}

type childEntry struct {
	index int
	node  *Node
}

func childLess(a, b childEntry) bool { return a.index < b.index }

func newDetachedNode(pfn uint64, table *[512]uint64) *Node {
	return &Node{PFN: pfn, Table: table}
}

func (n *Node) ensureChildren() {
	if n.children == nil {
		n.children = btree.NewG[childEntry](32, childLess)
	}
}

// Child returns the child attached at idx, or nil.
func (n *Node) Child(idx int) *Node {
	if n.children == nil {
		return nil
	}

	if e, ok := n.children.Get(childEntry{index: idx}); ok {
		return e.node
	}

	return nil
}

// LowestChild returns the child with the smallest index, or nil if none.
func (n *Node) LowestChild() *Node {
	if n.children == nil {
		return nil
	}

	if e, ok := n.children.Min(); ok {
		return e.node
	}

	return nil
}

// ChildCount returns the number of attached children.
func (n *Node) ChildCount() int {
	if n.children == nil {
		return 0
	}

	return n.children.Len()
}

// ForEachChild walks attached children in ascending index order, stopping
// early if fn returns false. Implements the "get_child_lowerbound /
// upperbound" range-scan role spec.md §4.3 describes, via btree's own
// ordered iteration rather than a hand-rolled bidirectional walk.
func (n *Node) ForEachChild(fn func(idx int, child *Node) bool) {
	if n.children == nil {
		return
	}

	n.children.Ascend(func(e childEntry) bool {
		return fn(e.index, e.node)
	})
}

func zero(t *[512]uint64) {
	for i := range t {
		t[i] = 0
	}
}

// Arena owns the live EPT tree's allocation and a detached reserve list
// used to mutate the tree without allocating, per spec.md §4.2.
type Arena struct {
	alloc   PageAllocator
	reserve []*Node // tail = most recently pushed; popped from the tail
}

// NewArena constructs an arena backed by alloc. The reserve starts empty;
// callers at passive level must reserve_at_least before any high-IRQL
// mutation.
func NewArena(alloc PageAllocator) *Arena {
	return &Arena{alloc: alloc}
}

// AllocNode allocates a fresh page from the allocator and returns a
// detached node (Level==0, Index==0). Legal only at <=DISPATCH IRQL.
func (a *Arena) AllocNode() (*Node, error) {
	pfn, table, err := a.alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientMemory, err)
	}

	return newDetachedNode(pfn, table), nil
}

// AllocFromReserve pops the most recently reserved node, re-zeroes its
// table, and returns it detached. Never allocates; callers must have
// already grown the reserve via ReserveAtLeast. Returns nil if the reserve
// is empty.
func (a *Arena) AllocFromReserve() *Node {
	if len(a.reserve) == 0 {
		return nil
	}

	n := a.reserve[len(a.reserve)-1]
	a.reserve = a.reserve[:len(a.reserve)-1]

	zero(n.Table)
	n.Level, n.Index, n.Parent, n.children = 0, 0, nil, nil

	return n
}

// PushReserve returns a detached, zeroed node to the reserve. Legal at any
// IRQL -- it performs no allocation or freeing.
func (a *Arena) PushReserve(n *Node) {
	n.Level, n.Index, n.Parent, n.children = 0, 0, nil, nil
	zero(n.Table)
	a.reserve = append(a.reserve, n)
}

// ReserveSize returns the number of nodes currently parked in the reserve.
func (a *Arena) ReserveSize() int { return len(a.reserve) }

// ReserveShrink frees reserve nodes down to keep entries. keep >= current
// size is a no-op.
func (a *Arena) ReserveShrink(keep int) {
	for len(a.reserve) > keep {
		n := a.reserve[len(a.reserve)-1]
		a.reserve = a.reserve[:len(a.reserve)-1]
		a.alloc.FreePage(n.PFN)
	}
}

// ReserveAtLeast grows the reserve to at least n nodes by repeated
// AllocNode calls, below DISPATCH IRQL. It is the explicit "pre-pay
// allocation cost" half of spec.md §4.2/§4.3's two-phase contract.
func (a *Arena) ReserveAtLeast(n int) error {
	for len(a.reserve) < n {
		node, err := a.AllocNode()
		if err != nil {
			return err
		}

		a.reserve = append(a.reserve, node)
	}

	return nil
}

// collectSubtree returns every node in the subtree rooted at n, including n
// itself, in an arbitrary order (post-order would also do; callers only
// need the set).
func collectSubtree(n *Node, out []*Node) []*Node {
	out = append(out, n)
	n.ForEachChild(func(_ int, child *Node) bool {
		out = collectSubtree(child, out)
		return true
	})

	return out
}

// Free recursively detaches and frees the subtree rooted at n back to the
// allocator. Legal only at <=DISPATCH IRQL.
func (a *Arena) Free(n *Node) {
	if n.Parent != nil {
		n.Parent.detachChild(n.Index)
	}

	for _, d := range collectSubtree(n, nil) {
		a.alloc.FreePage(d.PFN)
	}
}

// FreeToReserve recursively detaches the subtree rooted at n and returns
// every node in it to the reserve instead of freeing it. Legal at any IRQL,
// which is exactly why spec.md §4.3's commit() uses this form when demoting
// a subtree above DISPATCH.
func (a *Arena) FreeToReserve(n *Node) {
	if n.Parent != nil {
		n.Parent.detachChild(n.Index)
	}

	for _, d := range collectSubtree(n, nil) {
		a.PushReserve(d)
	}
}

// attach inserts child at the sorted position idx under parent and returns
// the raw referencing entry (the child's PFN plus the standard referencing
// bits) that the caller must store in parent's table. Implements spec.md
// §4.3's attach().
func attach(parent *Node, idx int, child *Node) uint64 {
	parent.ensureChildren()
	child.Parent = parent
	child.Index = idx
	child.Level = parent.Level - 1
	parent.children.ReplaceOrInsert(childEntry{index: idx, node: child})

	return ApplyReferencing(child.PFN)
}

// detachChild removes the child at idx from n's sibling set and clears
// n's table entry for it. Returns the detached node, or nil if none was
// attached there.
func (n *Node) detachChild(idx int) *Node {
	if n.children == nil {
		return nil
	}

	e, ok := n.children.Delete(childEntry{index: idx})
	if !ok {
		return nil
	}

	n.Table[idx] = 0
	e.node.Parent = nil

	return e.node
}
