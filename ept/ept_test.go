package ept_test

import (
	"errors"
	"testing"

	"github.com/sirenhv/sirenhv/ept"
)

// testAllocator is a simple map-backed PageAllocator: each page gets the
// next sequential PFN starting at 1 (PFN 0 is reserved to mean "none" in
// some callers' mental model, matching how gokvm never hands out a zero
// vmFd/kvmFd).
type testAllocator struct {
	next   uint64
	tables map[uint64]*[512]uint64
	failAt int // AllocPage fails once next calls reaches this index; 0 = never
	calls  int
}

func newTestAllocator() *testAllocator {
	return &testAllocator{next: 1, tables: map[uint64]*[512]uint64{}}
}

func (a *testAllocator) AllocPage() (uint64, *[512]uint64, error) {
	a.calls++
	if a.failAt != 0 && a.calls >= a.failAt {
		return 0, nil, errors.New("test allocator exhausted")
	}

	pfn := a.next
	a.next++
	t := &[512]uint64{}
	a.tables[pfn] = t

	return pfn, t, nil
}

func (a *testAllocator) FreePage(pfn uint64) {
	delete(a.tables, pfn)
}

func newTree(t *testing.T) (*ept.EPT, *testAllocator) {
	t.Helper()

	alloc := newTestAllocator()
	tree := ept.New(alloc)

	if err := tree.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return tree, alloc
}

func rwx(mt ept.MemoryType) ept.Attrs {
	return ept.Attrs{Read: true, Write: true, Execute: true, MemoryType: mt}
}

func TestCommitFindRoundTrip(t *testing.T) {
	sizes := []ept.PageSize{ept.Size4KiB, ept.Size2MiB, ept.Size1GiB}

	for _, size := range sizes {
		tree, _ := newTree(t)

		base := size.Bytes() * 3
		attrs := ept.Attrs{Read: true, Write: false, Execute: true, MemoryType: ept.MemoryTypeWB}

		if err := tree.Commit(size, base, base, attrs, false); err != nil {
			t.Fatalf("Commit(%v): %v", size, err)
		}

		desc, err := tree.Find(base)
		if err != nil {
			t.Fatalf("Find: %v", err)
		}

		if desc.PageType != size {
			t.Fatalf("PageType = %v, want %v", desc.PageType, size)
		}

		if desc.PFN != ept.PFN(base, size) {
			t.Fatalf("PFN = %#x, want %#x", desc.PFN, ept.PFN(base, size))
		}

		if desc.Attrs != attrs {
			t.Fatalf("Attrs = %+v, want %+v", desc.Attrs, attrs)
		}
	}
}

func TestUncommitThenFindNotFound(t *testing.T) {
	tree, _ := newTree(t)

	base := uint64(0x2000)
	if err := tree.Commit(ept.Size4KiB, base, base, rwx(ept.MemoryTypeWB), false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := tree.Uncommit(ept.Size4KiB, base); err != nil {
		t.Fatalf("Uncommit: %v", err)
	}

	if _, err := tree.Find(base); !errors.Is(err, ept.ErrNotFound) {
		t.Fatalf("Find after uncommit: err = %v, want ErrNotFound", err)
	}
}

func TestSplitIsLossless(t *testing.T) {
	tree, _ := newTree(t)

	bigAttrs := rwx(ept.MemoryTypeWB)
	if err := tree.Commit(ept.Size2MiB, 0, 0, bigAttrs, false); err != nil {
		t.Fatalf("Commit 2MiB: %v", err)
	}

	smallAttrs := ept.Attrs{Read: true, Write: true, MemoryType: ept.MemoryTypeWB}
	splitAt := uint64(0x1000) // k=1

	if err := tree.Commit(ept.Size4KiB, splitAt, splitAt, smallAttrs, false); err != nil {
		t.Fatalf("Commit 4KiB causing split: %v", err)
	}

	// j=0: untouched, must still read as the original 2 MiB attrs translated to PTE encoding.
	desc, err := tree.Find(0x0)
	if err != nil {
		t.Fatalf("Find(0): %v", err)
	}

	if desc.PageType != ept.Size4KiB || desc.PFN != 0 || desc.Attrs != bigAttrs {
		t.Fatalf("Find(0) = %+v, want 4KiB PFN=0 attrs=%+v", desc, bigAttrs)
	}

	// j=2: also untouched.
	desc, err = tree.Find(0x2000)
	if err != nil {
		t.Fatalf("Find(0x2000): %v", err)
	}

	if desc.PageType != ept.Size4KiB || desc.PFN != 2 || desc.Attrs != bigAttrs {
		t.Fatalf("Find(0x2000) = %+v, want 4KiB PFN=2 attrs=%+v", desc, bigAttrs)
	}

	// j=1: the split-in page.
	desc, err = tree.Find(splitAt)
	if err != nil {
		t.Fatalf("Find(splitAt): %v", err)
	}

	if desc.PageType != ept.Size4KiB || desc.PFN != 1 || desc.Attrs != smallAttrs {
		t.Fatalf("Find(splitAt) = %+v, want 4KiB PFN=1 attrs=%+v", desc, smallAttrs)
	}
}

func TestCommitIdempotent(t *testing.T) {
	tree, _ := newTree(t)

	attrs := rwx(ept.MemoryTypeWB)

	if err := tree.Commit(ept.Size4KiB, 0x4000, 0x4000, attrs, false); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	if err := tree.Commit(ept.Size4KiB, 0x4000, 0x4000, attrs, false); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	desc, err := tree.Find(0x4000)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if desc.Attrs != attrs {
		t.Fatalf("Attrs = %+v, want %+v", desc.Attrs, attrs)
	}
}

func TestPrepareThenHighIRQLCommitNeverAllocates(t *testing.T) {
	tree, alloc := newTree(t)

	base := uint64(0x123000)
	if err := tree.Prepare(ept.Size4KiB, base); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	callsBeforeCommit := alloc.calls
	alloc.failAt = callsBeforeCommit + 1 // any further AllocPage call fails

	if err := tree.Commit(ept.Size4KiB, base, base, rwx(ept.MemoryTypeWB), true); err != nil {
		t.Fatalf("high-IRQL Commit after Prepare: %v", err)
	}

	if _, err := tree.Find(base); err != nil {
		t.Fatalf("Find after high-IRQL commit: %v", err)
	}
}

func TestModifyPFNPreservesAttrs(t *testing.T) {
	tree, _ := newTree(t)

	attrs := ept.Attrs{Read: true, Execute: true, MemoryType: ept.MemoryTypeWT}
	if err := tree.Commit(ept.Size4KiB, 0x9000, 0x9000, attrs, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := tree.ModifyPFN(ept.Size4KiB, 0x9000, 0xA000); err != nil {
		t.Fatalf("ModifyPFN: %v", err)
	}

	desc, err := tree.Find(0x9000)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if desc.PFN != ept.PFN(0xA000, ept.Size4KiB) || desc.Attrs != attrs {
		t.Fatalf("Find after ModifyPFN = %+v", desc)
	}
}

func TestModifyAttrsRejectsNotPresent(t *testing.T) {
	tree, _ := newTree(t)

	if err := tree.Commit(ept.Size4KiB, 0xB000, 0xB000, rwx(ept.MemoryTypeWB), false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := tree.ModifyAttrs(ept.Size4KiB, 0xB000, ept.Attrs{}); !errors.Is(err, ept.ErrInvalidArgument) {
		t.Fatalf("ModifyAttrs(not-present) err = %v, want ErrInvalidArgument", err)
	}
}

func TestMisalignedBaseIsRejected(t *testing.T) {
	tree, _ := newTree(t)

	err := tree.Commit(ept.Size2MiB, 0x1000, 0x1000, rwx(ept.MemoryTypeWB), false)
	if !errors.Is(err, ept.ErrInvalidAddress) {
		t.Fatalf("Commit(misaligned) err = %v, want ErrInvalidAddress", err)
	}
}

func TestFindNotFoundOnEmptyTree(t *testing.T) {
	tree, _ := newTree(t)

	if _, err := tree.Find(0x1000); !errors.Is(err, ept.ErrNotFound) {
		t.Fatalf("Find on empty tree: err = %v, want ErrNotFound", err)
	}
}
