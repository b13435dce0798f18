// Package mtrr implements the memory-type oracle (C4): it parses the fixed
// and variable MTRRs plus SMRR into a descriptor vector and answers "what
// memory type applies to this region" per Intel's precedence rules.
//
// Grounded directly on
// original_source/siren-hv/siren/x86/memory_caching.cpp's
// memory_type_propose, which this module's Oracle.BestFor reproduces
// verbatim in Go.
package mtrr

import (
	"github.com/sirenhv/sirenhv/ept"
	"github.com/sirenhv/sirenhv/hwabi"
)

// MSR numbers this package reads through hwabi.CPU. Listed here, not in
// hwabi, because they are MTRR-specific constants this package owns, the
// same way gokvm's kvm package keeps its own ioctl-number constants local
// to the file that uses them.
const (
	msrMTRRCap        = 0xFE
	msrMTRRDefType    = 0x2FF
	msrMTRRPhysBase0  = 0x200
	msrMTRRPhysMask0  = 0x201
	msrMTRRFix64K00000 = 0x250
	msrMTRRFix16K80000 = 0x258
	msrMTRRFix16KA0000 = 0x259
	msrMTRRFix4KC0000  = 0x268
	msrMTRRFix4KC8000  = 0x269
	msrMTRRFix4KD0000  = 0x26A
	msrMTRRFix4KD8000  = 0x26B
	msrMTRRFix4KE0000  = 0x26C
	msrMTRRFix4KE8000  = 0x26D
	msrMTRRFix4KF0000  = 0x26E
	msrMTRRFix4KF8000  = 0x26F

	msrSMRRPhysBase = 0x1F2
	msrSMRRPhysMask = 0x1F3

	cpuidFeatureLeaf = 1
)

// Descriptor is one MTRR/SMRR range, per spec.md §3.
type Descriptor struct {
	MemoryType      ept.MemoryType
	IsFixed         bool
	PhysicalBasePFN uint64
	PhysicalMask    uint64
}

// region returns the strip [base, base+~mask+1) this descriptor covers.
func (d Descriptor) region() maskRegion {
	return maskRegion{base: ept.PFNToAddr(d.PhysicalBasePFN, ept.Size4KiB), mask: d.PhysicalMask}
}

// maskRegion is a base+mask address strip, matching the teacher source's
// mask_region_t: every address a such that a&mask == base&mask lies in the
// strip.
type maskRegion struct {
	base uint64
	mask uint64
}

// contains reports whether every address in other lies within r.
func (r maskRegion) contains(other maskRegion) bool {
	// other fits inside r exactly when r's strip, extended by other's
	// span, still matches r's base on every masked bit, and other's mask
	// is at least as selective (covers a sub-range, not a superset).
	if other.mask&r.mask != r.mask {
		return false
	}

	return other.base&r.mask == r.base&r.mask
}

// disjoints reports whether r and other share no address.
func (r maskRegion) disjoints(other maskRegion) bool {
	common := r.mask & other.mask

	return r.base&common != other.base&common
}

// fixedSpan is one (msr, baseAddr, size, count) entry of fixedSpans, the
// table of the 11 fixed-range MTRR MSRs, expanding into 88 descriptors
// covering the first 1 MiB: 8 x 64 KiB + 16 x 16 KiB + 64 x 4 KiB, per
// spec.md §4.4 step 1.
type fixedSpan struct {
	msr      uint32
	baseAddr uint64
	size     uint64
	count    int
}

var fixedSpans = []fixedSpan{
	{msrMTRRFix64K00000, 0x00000, 64 * 1024, 8},
	{msrMTRRFix16K80000, 0x80000, 16 * 1024, 8},
	{msrMTRRFix16KA0000, 0xA0000, 16 * 1024, 8},
	{msrMTRRFix4KC0000, 0xC0000, 4 * 1024, 8},
	{msrMTRRFix4KC8000, 0xC8000, 4 * 1024, 8},
	{msrMTRRFix4KD0000, 0xD0000, 4 * 1024, 8},
	{msrMTRRFix4KD8000, 0xD8000, 4 * 1024, 8},
	{msrMTRRFix4KE0000, 0xE0000, 4 * 1024, 8},
	{msrMTRRFix4KE8000, 0xE8000, 4 * 1024, 8},
	{msrMTRRFix4KF0000, 0xF0000, 4 * 1024, 8},
	{msrMTRRFix4KF8000, 0xF8000, 4 * 1024, 8},
}

// Oracle answers memory-type queries for an arbitrary region against the
// descriptor vector parsed at construction time.
type Oracle struct {
	defaultType       ept.MemoryType
	mtrrEnabled       bool
	fixedDescriptors  []Descriptor
	variableDescriptors []Descriptor
	maxPhysicalAddress uint64
}

// New parses CPU's MTRR/SMRR state into an Oracle. CPU and
// maxPhysicalAddress come from the hwabi collaborator boundary: CPUID leaf
// 1 (MTRR support bit), IA32_MTRR_DEF_TYPE, the fixed-range and variable
// MSRs, and SMRR, per spec.md §4.4.
func New(cpu hwabi.CPU, maxPhysicalAddress uint64) (*Oracle, error) {
	o := &Oracle{maxPhysicalAddress: maxPhysicalAddress, defaultType: ept.MemoryTypeUC}

	_, _, _, edx := cpu.CPUID(cpuidFeatureLeaf, 0)

	const mtrrFeatureBit = 1 << 12

	if edx&mtrrFeatureBit == 0 {
		return o, nil
	}

	defType, err := cpu.ReadMSR(msrMTRRDefType)
	if err != nil {
		return o, nil //nolint:nilerr // absent MSR means "treat as unsupported", not a hard failure
	}

	const defTypeEnableBit = 1 << 11

	if defType&defTypeEnableBit == 0 {
		return o, nil
	}

	o.mtrrEnabled = true
	o.defaultType = ept.MemoryType(defType & 0xFF)

	const fixedEnableBit = 1 << 10
	if defType&fixedEnableBit != 0 {
		o.parseFixed(cpu)
	}

	o.parseVariable(cpu)
	o.parseSMRR(cpu)

	return o, nil
}

func (o *Oracle) parseFixed(cpu hwabi.CPU) {
	for _, span := range fixedSpans {
		raw, err := cpu.ReadMSR(span.msr)
		if err != nil {
			continue
		}

		for i := 0; i < span.count; i++ {
			memType := ept.MemoryType((raw >> (8 * i)) & 0xFF)
			base := span.baseAddr + uint64(i)*span.size

			o.fixedDescriptors = append(o.fixedDescriptors, Descriptor{
				MemoryType:      memType,
				IsFixed:         true,
				PhysicalBasePFN: ept.PFN(base, ept.Size4KiB),
				PhysicalMask:    ^(span.size - 1),
			})
		}
	}
}

func (o *Oracle) parseVariable(cpu hwabi.CPU) {
	capability, err := cpu.ReadMSR(msrMTRRCap)
	if err != nil {
		return
	}

	count := int(capability & 0xFF)

	for i := 0; i < count; i++ {
		base, errB := cpu.ReadMSR(uint32(msrMTRRPhysBase0 + 2*i))
		maskRaw, errM := cpu.ReadMSR(uint32(msrMTRRPhysMask0 + 2*i))

		if errB != nil || errM != nil {
			continue
		}

		const validBit = 1 << 11
		if maskRaw&validBit == 0 {
			continue
		}

		memType := ept.MemoryType(base & 0xFF)
		if memType == o.defaultType {
			continue
		}

		physBasePFN := ept.PFN(base&physAddrMask, ept.Size4KiB)
		physMaskPFN := ept.PFN(maskRaw&physAddrMask, ept.Size4KiB)

		o.variableDescriptors = append(o.variableDescriptors, Descriptor{
			MemoryType:      memType,
			PhysicalBasePFN: physBasePFN,
			PhysicalMask:    ept.PFNToAddr(physMaskPFN, ept.Size4KiB) | ^o.maxPhysicalAddress,
		})
	}
}

func (o *Oracle) parseSMRR(cpu hwabi.CPU) {
	base, errB := cpu.ReadMSR(msrSMRRPhysBase)
	maskRaw, errM := cpu.ReadMSR(msrSMRRPhysMask)

	if errB != nil || errM != nil {
		return
	}

	const validBit = 1 << 11
	if maskRaw&validBit == 0 {
		return
	}

	o.variableDescriptors = append(o.variableDescriptors, Descriptor{
		MemoryType:      ept.MemoryType(base & 0xFF),
		PhysicalBasePFN: ept.PFN(base&physAddrMask, ept.Size4KiB),
		PhysicalMask:    (maskRaw & physAddrMask) | ^o.maxPhysicalAddress,
	})
}

const physAddrMask = 0x000F_FFFF_FFFF_F000

// BestFor implements spec.md §4.4's precedence query for the region
// [regionBase, regionBase+size(mask)).
func (o *Oracle) BestFor(regionBase uint64, regionMask uint64) ept.MemoryType {
	if !o.mtrrEnabled {
		return ept.MemoryTypeUC
	}

	region := maskRegion{base: regionBase, mask: regionMask}

	for _, d := range o.fixedDescriptors {
		if d.region().contains(region) {
			return d.MemoryType
		}
	}

	candidate := ept.MemoryTypeReserved

	for _, d := range o.variableDescriptors {
		dr := d.region()

		switch {
		case dr.contains(region):
			if d.MemoryType == ept.MemoryTypeUC {
				return ept.MemoryTypeUC
			}

			if d.MemoryType == ept.MemoryTypeWB &&
				(candidate == ept.MemoryTypeWT || candidate == ept.MemoryTypeWB) {
				continue
			}

			candidate = d.MemoryType
		case dr.disjoints(region):
			// ignored
		default:
			return ept.MemoryTypeReserved
		}
	}

	if candidate == ept.MemoryTypeReserved {
		return o.defaultType
	}

	return candidate
}

// BestForPage is a convenience wrapper over BestFor for a page of the given
// size starting at base, used by the identity-map builder.
func (o *Oracle) BestForPage(base uint64, size ept.PageSize) ept.MemoryType {
	return o.BestFor(base, ^(size.Bytes() - 1))
}
