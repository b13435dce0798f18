package ept

// PageDescriptor is the return type of Find: the attribute record, PFN, and
// granularity of the terminal mapping covering a queried address, per
// spec.md §3.
type PageDescriptor struct {
	PageType PageSize
	PFN      uint64
	Attrs    Attrs
}

// EPT is the four-level dynamic tree, C3. Every exported method is legal at
// <=DISPATCH IRQL unless its doc says otherwise; see spec.md §5 for the
// execution-context model this contract assumes.
type EPT struct {
	arena *Arena
	root  *Node
}

// New constructs an EPT backed by alloc. Call Init before any other method.
func New(alloc PageAllocator) *EPT {
	return &EPT{arena: NewArena(alloc)}
}

// Init allocates the root L4 node.
func (e *EPT) Init() error {
	root, err := e.arena.AllocNode()
	if err != nil {
		return err
	}

	root.Level = 4
	e.root = root

	return nil
}

// RootAddress returns the physical base of the L4 table, suitable for
// programming into an EPTP.
func (e *EPT) RootAddress() uint64 { return PFNToAddr(e.root.PFN, Size4KiB) }

func pmlIndex(level int, gpa uint64) int {
	switch level {
	case 4:
		return int((gpa >> 39) & 0x1FF)
	case 3:
		return int((gpa >> 30) & 0x1FF)
	case 2:
		return int((gpa >> 21) & 0x1FF)
	case 1:
		return int((gpa >> 12) & 0x1FF)
	default:
		panic("ept: invalid pml level")
	}
}

// isTerminalAt reports whether the raw entry at the given level is a
// terminal mapping rather than a reference (always true at level 1).
func isTerminalAt(level int, raw uint64) bool {
	if !IsPresentRaw(raw) {
		return false
	}

	if level == 1 {
		return true
	}

	return IsLargePage(raw)
}

// nodeGet walks from the root following child links, returning the L-level
// node covering gpa, or nil if any intermediate link is missing.
func (e *EPT) nodeGet(level int, gpa uint64) *Node {
	n := e.root
	for cur := 4; cur > level; cur-- {
		n = n.Child(pmlIndex(cur, gpa))
		if n == nil {
			return nil
		}
	}

	return n
}

func (e *EPT) allocChild(highIRQL bool) (*Node, error) {
	if highIRQL {
		n := e.arena.AllocFromReserve()
		if n == nil {
			return nil, ErrInsufficientMemory
		}

		return n, nil
	}

	return e.arena.AllocNode()
}

// splitTerminal replaces the terminal mapping at (parent, idx) -- whose
// granularity is levelToSize(parent.Level) -- with a freshly attached
// sub-table whose 512 entries are terminal mappings one size class finer,
// inheriting the original attributes and contiguous PFNs. Implements
// spec.md §4.3's ensure() split branch; "splits preserve mapping semantics
// exactly" (spec.md §8 property 3).
func (e *EPT) splitTerminal(parent *Node, idx int, raw uint64, highIRQL bool) (*Node, error) {
	coarse := levelToSize(parent.Level)
	fine := levelToSize(parent.Level - 1)

	attrs := LoadTerminal(raw, coarse)
	baseAddr := PFNToAddr(TerminalPFN(raw, coarse), coarse)

	child, err := e.allocChild(highIRQL)
	if err != nil {
		return nil, err
	}

	for i := 0; i < 512; i++ {
		addr := baseAddr + uint64(i)*fine.Bytes()
		child.Table[i] = ApplyTerminal(PFN(addr, fine), fine, attrs)
	}

	parent.Table[idx] = attach(parent, idx, child)

	return child, nil
}

// ensure is nodeGet with fault-in semantics: every missing intermediate
// link is either allocated fresh or, if the slot currently holds a coarser
// terminal mapping, produced by splitting it. Implements spec.md §4.3's
// ensure(L, gpa, high_irql).
func (e *EPT) ensure(level int, gpa uint64, highIRQL bool) (*Node, error) {
	n := e.root

	for cur := 4; cur > level; cur-- {
		idx := pmlIndex(cur, gpa)

		child := n.Child(idx)
		if child == nil {
			raw := n.Table[idx]

			var err error
			if IsPresentRaw(raw) {
				child, err = e.splitTerminal(n, idx, raw, highIRQL)
			} else {
				child, err = e.allocChild(highIRQL)
				if err == nil {
					n.Table[idx] = attach(n, idx, child)
				}
			}

			if err != nil {
				return nil, err
			}
		}

		n = child
	}

	return n, nil
}

// Find returns the page descriptor of the terminal mapping covering gpa, at
// whatever granularity it is actually mapped.
func (e *EPT) Find(gpa uint64) (PageDescriptor, error) {
	n := e.root

	for l := 4; l >= 1; l-- {
		idx := pmlIndex(l, gpa)
		raw := n.Table[idx]

		if !IsPresentRaw(raw) {
			return PageDescriptor{}, ErrNotFound
		}

		if l == 1 || IsLargePage(raw) {
			size := levelToSize(l)

			return PageDescriptor{
				PageType: size,
				PFN:      TerminalPFN(raw, size),
				Attrs:    LoadTerminal(raw, size),
			}, nil
		}

		child := n.Child(idx)
		if child == nil {
			return PageDescriptor{}, ErrNotFound
		}

		n = child
	}

	return PageDescriptor{}, ErrNotFound
}

// Prepare ensures the reserve holds enough nodes to Commit this page
// granularity later without allocating, per spec.md §4.3/§8 property 4: the
// reserve grows to at least 4-level(size) nodes, the worst case number of
// new intermediate nodes a single commit at this granularity can require.
func (e *EPT) Prepare(size PageSize, gpaBase uint64) error {
	if !Aligned(gpaBase, size) {
		return ErrInvalidAddress
	}

	return e.arena.ReserveAtLeast(4 - size.Level())
}

// Commit makes a mapping of size at gpaBase -> hpaBase with attrs, splitting
// any overlapping larger page and/or attaching needed intermediate nodes
// along the way, and demoting any existing finer-grained subtree at this
// slot to a terminal mapping. When highIRQL is true, every node consumed
// along the way (split children, fresh intermediates, the demoted subtree)
// comes from or returns to the reserve instead of the allocator.
func (e *EPT) Commit(size PageSize, gpaBase, hpaBase uint64, attrs Attrs, highIRQL bool) error {
	if !Aligned(gpaBase, size) || !Aligned(hpaBase, size) {
		return ErrInvalidAddress
	}

	if !attrs.IsPresent() {
		return ErrInvalidArgument
	}

	level := size.Level()

	node, err := e.ensure(level, gpaBase, highIRQL)
	if err != nil {
		return err
	}

	idx := pmlIndex(level, gpaBase)

	if child := node.Child(idx); child != nil {
		if highIRQL {
			e.arena.FreeToReserve(child)
		} else {
			e.arena.Free(child)
		}
	}

	node.Table[idx] = ApplyTerminal(PFN(hpaBase, size), size, attrs)

	return nil
}

// ModifyPFN rewrites only the PFN of an existing terminal mapping,
// preserving its attributes.
func (e *EPT) ModifyPFN(size PageSize, gpaBase, hpaBase uint64) error {
	if !Aligned(gpaBase, size) || !Aligned(hpaBase, size) {
		return ErrInvalidAddress
	}

	level := size.Level()

	node := e.nodeGet(level, gpaBase)
	if node == nil {
		return ErrNotFound
	}

	idx := pmlIndex(level, gpaBase)
	raw := node.Table[idx]

	if !isTerminalAt(level, raw) {
		return ErrNotFound
	}

	attrs := LoadTerminal(raw, size)
	node.Table[idx] = ApplyTerminal(PFN(hpaBase, size), size, attrs)

	return nil
}

// ModifyAttrs rewrites only the attributes of an existing terminal mapping,
// preserving its PFN. attrs must be present.
func (e *EPT) ModifyAttrs(size PageSize, gpaBase uint64, attrs Attrs) error {
	if !Aligned(gpaBase, size) {
		return ErrInvalidAddress
	}

	if !attrs.IsPresent() {
		return ErrInvalidArgument
	}

	level := size.Level()

	node := e.nodeGet(level, gpaBase)
	if node == nil {
		return ErrNotFound
	}

	idx := pmlIndex(level, gpaBase)
	raw := node.Table[idx]

	if !isTerminalAt(level, raw) {
		return ErrNotFound
	}

	pfn := TerminalPFN(raw, size)
	node.Table[idx] = ApplyTerminal(pfn, size, attrs)

	return nil
}

// Uncommit zeroes the terminal entry of the given granularity.
func (e *EPT) Uncommit(size PageSize, gpaBase uint64) error {
	if !Aligned(gpaBase, size) {
		return ErrInvalidAddress
	}

	level := size.Level()

	node := e.nodeGet(level, gpaBase)
	if node == nil {
		return ErrNotFound
	}

	idx := pmlIndex(level, gpaBase)
	if !isTerminalAt(level, node.Table[idx]) {
		return ErrNotFound
	}

	node.Table[idx] = 0

	return nil
}
