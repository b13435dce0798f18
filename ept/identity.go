package ept

import "fmt"

// MemoryTypeOracle is the C4 collaborator the identity-map builder queries.
// Defined here rather than imported from package mtrr to avoid a dependency
// cycle (mtrr already imports ept for MemoryType/PageSize); mtrr.Oracle
// satisfies it structurally.
type MemoryTypeOracle interface {
	BestForPage(base uint64, size PageSize) MemoryType
}

// BuildIdentityMap walks physical address space [0, maxPhysicalAddress]
// (inclusive, per spec.md §8 property 5) and commits identity mappings
// through e, picking the largest page size each region supports per the
// oracle's memory-type answer. Implements C5.
//
// Grounded on the recursive page-table-walk idiom in
// _examples/other_examples/e0ef2cbc_gopher-os-gopher-os__...-vmm-map.go.go's
// walk(): a callback-driven descent that decides, at each entry, whether to
// terminate the recursion with a mapping or recurse one level finer.
func BuildIdentityMap(e *EPT, oracle MemoryTypeOracle, maxPhysicalAddress uint64) error {
	step := Size1GiB.Bytes()

	for base := uint64(0); base <= maxPhysicalAddress; base += step {
		if err := identityWalk(e, oracle, maxPhysicalAddress, Size1GiB, base); err != nil {
			return err
		}
	}

	return nil
}

func identityWalk(e *EPT, oracle MemoryTypeOracle, maxPhysicalAddress uint64, size PageSize, base uint64) error {
	if base > maxPhysicalAddress {
		return nil
	}

	memType := oracle.BestForPage(base, size)

	if memType != MemoryTypeReserved {
		attrs := Attrs{Read: true, Write: true, Execute: true, MemoryType: memType}
		if err := e.Prepare(size, base); err != nil {
			return fmt.Errorf("identity map %#x @ %v: %w", base, size, err)
		}

		return e.Commit(size, base, base, attrs, false)
	}

	if size == Size4KiB {
		return fmt.Errorf("identity map %#x: %w (no well-defined 4 KiB memory type)", base, ErrAmbiguousMemoryType)
	}

	finer := finerSize(size)
	step := finer.Bytes()

	for off := uint64(0); off < size.Bytes(); off += step {
		if err := identityWalk(e, oracle, maxPhysicalAddress, finer, base+off); err != nil {
			return err
		}
	}

	return nil
}

func finerSize(size PageSize) PageSize {
	switch size {
	case Size1GiB:
		return Size2MiB
	case Size2MiB:
		return Size4KiB
	default:
		panic("ept: 4 KiB has no finer granularity")
	}
}
