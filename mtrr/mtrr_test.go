package mtrr_test

import (
	"testing"

	"github.com/sirenhv/sirenhv/ept"
	"github.com/sirenhv/sirenhv/hwabi/hwabitest"
	"github.com/sirenhv/sirenhv/mtrr"
)

const (
	msrMTRRCap       = 0xFE
	msrMTRRDefType   = 0x2FF
	msrMTRRPhysBase0 = 0x200
	msrMTRRPhysMask0 = 0x201
)

func seedBaseMTRRState(cpu *hwabitest.CPU, variableCount int, defaultType ept.MemoryType) {
	cpu.CPUIDFn = func(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 1 {
			return 0, 0, 0, 1 << 12 // MTRR support
		}

		return 0, 0, 0, 0
	}

	cpu.MSRs[msrMTRRCap] = uint64(variableCount)
	cpu.MSRs[msrMTRRDefType] = uint64(defaultType) | (1 << 11) // mtrrs_enable, no fixed enable
}

func TestBestForDefaultWhenNoDescriptorMatches(t *testing.T) {
	cpu := hwabitest.New(0)
	seedBaseMTRRState(cpu, 0, ept.MemoryTypeWB)

	oracle, err := mtrr.New(cpu, 0xFFFF_FFFF)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := oracle.BestForPage(0x4000_0000, ept.Size1GiB); got != ept.MemoryTypeWB {
		t.Fatalf("BestForPage = %v, want WB", got)
	}
}

func TestBestForUCHoleWinsOverWB(t *testing.T) {
	cpu := hwabitest.New(0)
	seedBaseMTRRState(cpu, 1, ept.MemoryTypeWB)

	const ucBase = 0xE000_0000
	const ucSize = 0x1000_0000 // 256 MiB, power of two aligned

	cpu.MSRs[msrMTRRPhysBase0] = ucBase | uint64(ept.MemoryTypeUC)
	cpu.MSRs[msrMTRRPhysMask0] = (^(ucSize - 1) & 0xFFFF_FFFF) | (1 << 11)

	oracle, err := mtrr.New(cpu, 0xFFFF_FFFF)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := oracle.BestForPage(ucBase, ept.Size2MiB); got != ept.MemoryTypeUC {
		t.Fatalf("BestForPage(UC hole) = %v, want UC", got)
	}

	// A 1 GiB page straddling the UC hole and WB memory cannot be given a
	// single type: the 1 GiB region based at 0xC0000000 only partially
	// overlaps the UC descriptor.
	if got := oracle.BestForPage(0xC000_0000, ept.Size1GiB); got != ept.MemoryTypeReserved {
		t.Fatalf("BestForPage(straddling) = %v, want Reserved", got)
	}

	// A 1 GiB page at 0 is disjoint from the UC hole and takes the WB default.
	if got := oracle.BestForPage(0x0, ept.Size1GiB); got != ept.MemoryTypeWB {
		t.Fatalf("BestForPage(0) = %v, want WB (disjoint from UC hole)", got)
	}
}

func TestBestForWBLosesToWT(t *testing.T) {
	cpu := hwabitest.New(0)
	seedBaseMTRRState(cpu, 2, ept.MemoryTypeUC)

	const base = 0x1000_0000
	const size = 0x1000_0000

	cpu.MSRs[msrMTRRPhysBase0] = base | uint64(ept.MemoryTypeWT)
	cpu.MSRs[msrMTRRPhysMask0] = (^(uint64(size) - 1) & 0xFFFF_FFFF) | (1 << 11)
	cpu.MSRs[msrMTRRPhysBase0+2] = base | uint64(ept.MemoryTypeWB)
	cpu.MSRs[msrMTRRPhysMask0+2] = (^(uint64(size) - 1) & 0xFFFF_FFFF) | (1 << 11)

	oracle, err := mtrr.New(cpu, 0xFFFF_FFFF)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := oracle.BestForPage(base, ept.Size2MiB); got != ept.MemoryTypeWT {
		t.Fatalf("BestForPage(WT+WB overlap) = %v, want WT", got)
	}
}

func TestBestForUCWhenMTRRsDisabled(t *testing.T) {
	cpu := hwabitest.New(0)
	cpu.CPUIDFn = func(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 1 {
			return 0, 0, 0, 1 << 12
		}

		return 0, 0, 0, 0
	}
	cpu.MSRs[msrMTRRDefType] = 0 // enable bit clear

	oracle, err := mtrr.New(cpu, 0xFFFF_FFFF)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := oracle.BestForPage(0x1000, ept.Size4KiB); got != ept.MemoryTypeUC {
		t.Fatalf("BestForPage = %v, want UC", got)
	}
}
