// Command sirenhv is the host-side control surface for this module: it
// does not itself run as a type-1 hypervisor (that role is the driver
// shell's, executing in ring 0 ahead of any OS, per spec.md §1) but
// exercises the library against the deterministic hwabitest.CPU backend,
// the same way gokvm's "probe" subcommand reads host-observable state
// gokvm itself cannot change. Grounded on gokvm's flag package
// (flag.NewFlagSet dispatch by args[1], see flag/flag.go's ParseArgs) for
// subcommand shape, and on gokvm's -profile usage of
// github.com/pkg/profile around its run loop.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/profile"

	"github.com/sirenhv/sirenhv/broadcast"
	"github.com/sirenhv/sirenhv/ept"
	"github.com/sirenhv/sirenhv/hwabi"
	"github.com/sirenhv/sirenhv/hwabi/hwabitest"
	"github.com/sirenhv/sirenhv/hypervisor"
	"github.com/sirenhv/sirenhv/mtrr"
	"github.com/sirenhv/sirenhv/vcpu"
)

// ErrInvalidSubcommand mirrors flag.ErrorInvalidSubcommands's role: no
// recognized subcommand was given.
var ErrInvalidSubcommand = errors.New("sirenhv: expected 'identity-map', 'mtrr-dump', or 'selftest'")

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return ErrInvalidSubcommand
	}

	switch args[1] {
	case "identity-map":
		return runIdentityMap(args[2:])
	case "mtrr-dump":
		return runMTRRDump(args[2:])
	case "selftest":
		return runSelftest(args[2:])
	default:
		return ErrInvalidSubcommand
	}
}

// pageAllocator is a process-heap-backed ept.PageAllocator: each page is a
// Go-allocated [512]uint64, identified by a sequential synthetic PFN. A
// real driver shell backs this with a contiguous-physical allocator
// (spec.md §1); this CLI only needs one to exercise the tree.
type pageAllocator struct {
	next   uint64
	tables map[uint64]*[512]uint64
}

func newPageAllocator() *pageAllocator {
	return &pageAllocator{next: 1, tables: map[uint64]*[512]uint64{}}
}

func (a *pageAllocator) AllocPage() (uint64, *[512]uint64, error) {
	pfn := a.next
	a.next++
	t := &[512]uint64{}
	a.tables[pfn] = t

	return pfn, t, nil
}

func (a *pageAllocator) FreePage(pfn uint64) { delete(a.tables, pfn) }

// simulatedCPU returns a hwabitest.CPU seeded with a representative MTRR
// layout (uncached first 512 KiB, write-back everything else up to 4
// GiB) and wide-open VMX capability MSRs, standing in for the real per-CPU
// MSR/VMX surface the driver shell would supply (spec.md §1's raw
// wrappers, kept out of this module).
func simulatedCPU(index int) *hwabitest.CPU {
	cpu := hwabitest.New(index)
	cpu.HVPage = hwabi.HVHypercallPage{Enabled: true, PhysicalAddress: 0x1000}
	cpu.CR0, cpu.CR4 = 0x8000_0021, 0x2020
	cpu.VMXCaps.CR0Fixed1 = ^uint64(0)
	cpu.VMXCaps.CR4Fixed1 = ^uint64(0)
	cpu.VMXCaps.Basic = 1 << 55

	cpu.CPUIDFn = func(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 1 {
			return 0, 0, 0, 1 << 12 // MTRR support
		}

		return leaf, 0, 0, 0
	}

	cpu.MSRs[0x2FF] = (1 << 11) | (1 << 10) | uint64(0x6) // MTRR_DEF_TYPE: enabled, fixed enabled, default WB
	cpu.MSRs[0xFE] = 0                                     // MTRR_CAP: no variable ranges
	cpu.MSRs[0x250] = 0                                     // FIX64K_00000 (8 x 64 KiB, 0-512 KiB): all UC

	return cpu
}

func runIdentityMap(args []string) error {
	fs := flag.NewFlagSet("identity-map", flag.ExitOnError)
	maxAddr := fs.Uint64("max-phys-addr", 1<<32, "inclusive upper bound of physical address space to map")

	if err := fs.Parse(args); err != nil {
		return err
	}

	e := ept.New(newPageAllocator())
	if err := e.Init(); err != nil {
		return fmt.Errorf("sirenhv: ept init: %w", err)
	}

	cpu := simulatedCPU(0)

	oracle, err := mtrr.New(cpu, *maxAddr)
	if err != nil {
		return fmt.Errorf("sirenhv: mtrr: %w", err)
	}

	if err := ept.BuildIdentityMap(e, oracle, *maxAddr); err != nil {
		return fmt.Errorf("sirenhv: identity map: %w", err)
	}

	fmt.Printf("identity map built: root=%#x range=[0,%#x]\n", e.RootAddress(), *maxAddr)

	return nil
}

func runMTRRDump(args []string) error {
	fs := flag.NewFlagSet("mtrr-dump", flag.ExitOnError)
	maxAddr := fs.Uint64("max-phys-addr", 1<<32, "inclusive upper bound of physical address space to probe")
	step := fs.Uint64("step", 1<<30, "stride, in bytes, between probed 1 GiB-aligned regions")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cpu := simulatedCPU(0)

	oracle, err := mtrr.New(cpu, *maxAddr)
	if err != nil {
		return fmt.Errorf("sirenhv: mtrr: %w", err)
	}

	for base := uint64(0); base < *maxAddr; base += *step {
		memType := oracle.BestForPage(base, ept.Size1GiB)
		fmt.Printf("%#012x: memory_type=%d\n", base, memType)
	}

	return nil
}

// selftestBroadcaster runs each CPU's work sequentially on the calling
// goroutine -- sufficient for a CLI self-check, unlike
// broadcast.AffinityBroadcaster's real cross-CPU pinning.
type selftestBroadcaster struct{}

func (selftestBroadcaster) Broadcast(n int, fn func(cpu int) error) error {
	for cpu := 0; cpu < n; cpu++ {
		if err := fn(cpu); err != nil {
			return err
		}
	}

	return nil
}

var _ broadcast.Broadcaster = selftestBroadcaster{}

func runSelftest(args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	nCPUs := fs.Int("n", 1, "number of simulated logical processors")
	profileOn := fs.Bool("profile", false, "wrap the run in a CPU profile written to the working directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *profileOn {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	h := hypervisor.New(newPageAllocator(), selftestBroadcaster{})

	cpus := make([]*hwabitest.CPU, *nCPUs)
	for i := range cpus {
		cpus[i] = simulatedCPU(i)
	}

	err := h.Initialize(*nCPUs, cpus[0], 1<<32, 0xB000,
		func(cpu int) hwabi.CPU { return cpus[cpu] },
		func(cpu int) uintptr { return 0x4000 })
	if err != nil {
		return fmt.Errorf("sirenhv: selftest: initialize: %w", err)
	}

	if err := h.Start(); err != nil {
		return fmt.Errorf("sirenhv: selftest: start: %w", err)
	}

	err = h.Stop(func(v *vcpu.VCPU) error {
		return v.Stop(func() error { return v.CPU().VMXOff() })
	})
	if err != nil {
		return fmt.Errorf("sirenhv: selftest: stop: %w", err)
	}

	fmt.Printf("selftest ok: %d vcpu(s) initialized, started, and stopped\n", *nCPUs)

	return nil
}
