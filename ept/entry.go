// Package ept implements the dynamic Extended Page Tables engine: the
// bit-exact entry codec (C1), the node arena (C2), the four-level tree
// (C3), and the identity-map builder (C5). The layout choices mirror the
// teacher's literal hardware structs (kvm.Sregs, kvm.RunData): every field
// here corresponds to a named bit range from Intel's EPT tables, not a
// convenience abstraction over them.
package ept

import "fmt"

// PageSize is one of the three EPT mapping granularities.
type PageSize int

const (
	Size4KiB PageSize = iota
	Size2MiB
	Size1GiB
)

// Bytes returns the span of the page size in bytes.
func (s PageSize) Bytes() uint64 {
	switch s {
	case Size4KiB:
		return 1 << 12
	case Size2MiB:
		return 1 << 21
	case Size1GiB:
		return 1 << 30
	default:
		panic(fmt.Sprintf("ept: invalid page size %d", s))
	}
}

// Shift returns log2(Bytes()).
func (s PageSize) Shift() uint {
	switch s {
	case Size4KiB:
		return 12
	case Size2MiB:
		return 21
	case Size1GiB:
		return 30
	default:
		panic(fmt.Sprintf("ept: invalid page size %d", s))
	}
}

// Level returns the tree level (1=PT, 2=PD, 3=PDPT, 4=PML4) whose terminal
// entries map this page size.
func (s PageSize) Level() int {
	switch s {
	case Size4KiB:
		return 1
	case Size2MiB:
		return 2
	case Size1GiB:
		return 3
	default:
		panic(fmt.Sprintf("ept: invalid page size %d", s))
	}
}

func levelToSize(level int) PageSize {
	switch level {
	case 1:
		return Size4KiB
	case 2:
		return Size2MiB
	case 3:
		return Size1GiB
	default:
		panic(fmt.Sprintf("ept: invalid level %d", level))
	}
}

// PFN converts a page-aligned physical address to a page-frame number for
// the given page size.
func PFN(addr uint64, size PageSize) uint64 { return addr >> size.Shift() }

// PFNToAddr converts a page-frame number of the given size back to an
// address.
func PFNToAddr(pfn uint64, size PageSize) uint64 { return pfn << size.Shift() }

// Aligned reports whether addr is aligned to size.
func Aligned(addr uint64, size PageSize) bool { return addr&(size.Bytes()-1) == 0 }

// MemoryType is Intel's 3-bit EPT memory-type encoding (same values as the
// PAT/MTRR memory type byte: 0=UC, 1=WC, 4=WT, 5=WP, 6=WB).
type MemoryType uint8

const (
	MemoryTypeUC MemoryType = 0
	MemoryTypeWC MemoryType = 1
	MemoryTypeWT MemoryType = 4
	MemoryTypeWP MemoryType = 5
	MemoryTypeWB MemoryType = 6
	// MemoryTypeReserved is the sentinel spec.md §4.4 calls "reserved" --
	// not a legal hardware encoding, used internally by the oracle and the
	// identity-map builder to mean "no single type applies here."
	MemoryTypeReserved MemoryType = 0xFF
)

// Attrs is the flat attribute-bit bag spec.md §3 defines. A zero value
// (read=write=execute=false) denotes "not present."
type Attrs struct {
	Read, Write, Execute bool
	MemoryType           MemoryType
	IgnorePAT            bool
	Accessed, Dirty      bool
	UserExecute          bool
	VerifyGuestPaging    bool
	PagingWrite          bool
	SupervisorShadowStack bool
	SubPageWrite         bool
	SuppressVE           bool
}

// IsPresent implements spec.md §3's "is_present := read | write | execute".
func (a Attrs) IsPresent() bool { return a.Read || a.Write || a.Execute }

// entry bit layout, identical across PTE / 2MiB-PDE / 1GiB-PDPTE terminal
// forms (Intel SDM Vol. 3C Table 29-1..29-4) and, separately, across
// PML4E / PDPTE-referencing / PDE-referencing forms (Table 29-1/29-3).
const (
	bitRead        = 0
	bitWrite       = 1
	bitExecute     = 2
	shiftMemType   = 3 // 3 bits, [5:3]
	maskMemType    = 0x7
	bitIgnorePAT   = 6
	bitLargePage   = 7 // "page size" discriminator at PDPTE/PDE level
	bitAccessed    = 8
	bitDirty       = 9
	bitUserExec    = 10
	bitVerifyPaging = 57
	bitPagingWrite  = 58
	bitSuperShadow  = 60
	bitSubPageWrite = 61
	bitSuppressVE   = 63

	physAddrMask = 0x000F_FFFF_FFFF_F000 // bits 12..51

	// referencing-entry-only: accessed bit lives at bit 8 same as terminal;
	// "user-execute" for a referencing entry at PML4/PDPT/PD level instead
	// gates execute access for the whole subtree.
)

// LoadTerminal decodes a 4 KiB PTE, a 2 MiB PDE, or a 1 GiB PDPTE terminal
// (mapping) entry into an attribute record; TerminalPFN extracts the mapped
// PFN. The caller
// supplies which granularity entry is being decoded; the codec does not
// infer it from the large-page bit because a non-present entry carries no
// reliable discriminator.
func LoadTerminal(raw uint64, size PageSize) Attrs {
	return Attrs{
		Read:                  raw&(1<<bitRead) != 0,
		Write:                 raw&(1<<bitWrite) != 0,
		Execute:               raw&(1<<bitExecute) != 0,
		MemoryType:            MemoryType((raw >> shiftMemType) & maskMemType),
		IgnorePAT:             raw&(1<<bitIgnorePAT) != 0,
		Accessed:              raw&(1<<bitAccessed) != 0,
		Dirty:                 raw&(1<<bitDirty) != 0,
		UserExecute:           raw&(1<<bitUserExec) != 0,
		VerifyGuestPaging:     raw&(1<<bitVerifyPaging) != 0,
		PagingWrite:           raw&(1<<bitPagingWrite) != 0,
		SupervisorShadowStack: raw&(1<<bitSuperShadow) != 0,
		SubPageWrite:          raw&(1<<bitSubPageWrite) != 0,
		SuppressVE:            raw&(1<<bitSuppressVE) != 0,
	}
}

// TerminalPFN extracts the mapped page-frame number from a terminal entry
// of the given size.
func TerminalPFN(raw uint64, size PageSize) uint64 {
	return PFN(raw&physAddrMask, size)
}

// ApplyTerminal stamps attrs onto a terminal entry for a mapping of pfn at
// the given size, preserving nothing from a prior value -- callers that
// need to preserve unrelated bits must re-OR them in themselves, matching
// the teacher's "each hardware setter owns the whole word" style seen in
// kvm.UserspaceMemoryRegion.SetMemReadonly.
func ApplyTerminal(pfn uint64, size PageSize, attrs Attrs) uint64 {
	raw := PFNToAddr(pfn, size) & physAddrMask

	if attrs.Read {
		raw |= 1 << bitRead
	}

	if attrs.Write {
		raw |= 1 << bitWrite
	}

	if attrs.Execute {
		raw |= 1 << bitExecute
	}

	raw |= uint64(attrs.MemoryType&maskMemType) << shiftMemType

	if attrs.IgnorePAT {
		raw |= 1 << bitIgnorePAT
	}

	if size != Size4KiB {
		raw |= 1 << bitLargePage // "always one" size discriminator
	}

	if attrs.Accessed {
		raw |= 1 << bitAccessed
	}

	if attrs.Dirty {
		raw |= 1 << bitDirty
	}

	if attrs.UserExecute {
		raw |= 1 << bitUserExec
	}

	if attrs.VerifyGuestPaging {
		raw |= 1 << bitVerifyPaging
	}

	if attrs.PagingWrite {
		raw |= 1 << bitPagingWrite
	}

	if attrs.SupervisorShadowStack {
		raw |= 1 << bitSuperShadow
	}

	if attrs.SubPageWrite {
		raw |= 1 << bitSubPageWrite
	}

	if attrs.SuppressVE {
		raw |= 1 << bitSuppressVE
	}

	return raw
}

// referencingPermBits are the standard "this entry points at a sub-table"
// permission bits: R=W=X=1, user-execute=1, no large-page bit set. Used by
// ApplyReferencing (and so by attach()) and by IsPresentRaw.
const referencingPermBits = (1 << bitRead) | (1 << bitWrite) | (1 << bitExecute) | (1 << bitUserExec)

// LoadReferencing decodes a PML4E, a PDPTE-referencing-a-PD, or a
// PDE-referencing-a-PT entry, returning the PFN of the sub-table it points
// at. Referencing entries use the same permission-bit positions as terminal
// entries but never set the large-page bit.
func LoadReferencing(raw uint64) (pfn uint64, accessed bool) {
	return PFN(raw&physAddrMask, Size4KiB), raw&(1<<bitAccessed) != 0
}

// ApplyReferencing builds a referencing entry pointing at the sub-table
// whose 4 KiB-table PFN is subtablePFN, with the standard R=W=X=1,
// user-execute=1 permission bits spec.md §4.3's attach() calls for.
func ApplyReferencing(subtablePFN uint64) uint64 {
	return (PFNToAddr(subtablePFN, Size4KiB) & physAddrMask) | referencingPermBits
}

// IsPresentRaw reports whether a raw entry word (terminal or referencing)
// has any of read/write/execute set.
func IsPresentRaw(raw uint64) bool { return raw&referencingPermBits != 0 }

// IsLargePage reports whether a PDPTE/PDE raw entry is a terminal mapping
// (bit 7 set) rather than a reference to a sub-table. Never valid to call
// on a PML4E or a PTE.
func IsLargePage(raw uint64) bool { return raw&(1<<bitLargePage) != 0 }
