// Package hwabitest provides a deterministic, in-memory hwabi.CPU used by
// this module's own tests. No gokvm package plays this role (its tests
// gate on root and a real /dev/kvm instead, via t.Skipf), so this fake is
// grounded instead on the host-side "simulated measurement" pattern in
// _examples/other_examples' enclave code: a pack precedent for faking a
// privileged surface behind the same interface production code uses.
package hwabitest

import (
	"fmt"

	"github.com/sirenhv/sirenhv/hwabi"
)

// CPU is a fully in-memory stand-in for one logical processor. All state is
// exported so tests can seed or assert on it directly.
type CPU struct {
	Index int

	MSRs map[uint32]uint64

	CR0, CR2, CR3, CR4, CR8, DR7, RFLAGS, EFER uint64

	GDTR, IDTR hwabi.DescriptorTableRegister
	Segments   map[hwabi.Selector]hwabi.SegmentDescriptor

	CS, SS, DS, ES, FS, GS, LDTR, TR hwabi.Selector

	SysenterCS           uint32
	SysenterESP, SysenterEIP uint64

	VMXCaps hwabi.VMXCapabilityMSRs

	VMXOnRegion  uintptr
	VMXIsOn      bool
	ClearedVMCS  uintptr
	LaunchCount  int
	ResumeCount  int
	InvEPTCount  int

	HVPage    hwabi.HVHypercallPage
	VPAssist  hwabi.VPAssistPage
	Hypercalls []hwabi.HypercallInput

	Breaks []string

	GPInjections int
	CPLValue     int

	// CPUIDFn, when set, overrides the default leaf-echo behavior so tests
	// can model specific CPUID leaves (max-physical-address, MTRR support).
	CPUIDFn func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32)

	// VMXOnErr, when set, is returned by VMXOn instead of succeeding, so
	// tests can model a faulted logical processor.
	VMXOnErr error
}

// New returns a CPU with sane defaults: EPT-capable VMX control MSRs wide
// open (every bit settable both 0 and 1), an empty segment table, and no
// HV page enabled.
func New(index int) *CPU {
	return &CPU{
		Index:    index,
		MSRs:     map[uint32]uint64{},
		Segments: map[hwabi.Selector]hwabi.SegmentDescriptor{},
		VMXCaps: hwabi.VMXCapabilityMSRs{
			Basic:              1 << 55, // report TRUE_*_CTLS present
			ProcBasedAllowed1:  0xFFFFFFFF,
			ProcBased2Allowed1: 0xFFFFFFFF,
			ExitAllowed1:       0xFFFFFFFF,
			EntryAllowed1:      0xFFFFFFFF,
			PinBasedAllowed1:   0xFFFFFFFF,
			CR0Fixed1:          ^uint64(0),
			CR4Fixed1:          ^uint64(0),
		},
	}
}

func (c *CPU) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	if c.CPUIDFn != nil {
		return c.CPUIDFn(leaf, subleaf)
	}

	return leaf, 0, 0, 0
}

func (c *CPU) ReadMSR(addr uint32) (uint64, error) {
	v, ok := c.MSRs[addr]
	if !ok {
		return 0, fmt.Errorf("hwabitest: msr 0x%x not modeled", addr)
	}

	return v, nil
}

func (c *CPU) WriteMSR(addr uint32, value uint64) error {
	c.MSRs[addr] = value

	return nil
}

func (c *CPU) ReadCR() hwabi.ControlRegisters {
	return hwabi.ControlRegisters{CR0: c.CR0, CR2: c.CR2, CR3: c.CR3, CR4: c.CR4, CR8: c.CR8, DR7: c.DR7}
}

func (c *CPU) WriteCR0(value uint64) { c.CR0 = value }
func (c *CPU) WriteCR4(value uint64) { c.CR4 = value }

func (c *CPU) ReadRFLAGS() uint64 { return c.RFLAGS }
func (c *CPU) ReadEFER() uint64   { return c.EFER }

func (c *CPU) ReadGDTR() hwabi.DescriptorTableRegister { return c.GDTR }
func (c *CPU) ReadIDTR() hwabi.DescriptorTableRegister { return c.IDTR }

func (c *CPU) ReadSegment(sel hwabi.Selector) hwabi.SegmentDescriptor {
	if d, ok := c.Segments[sel]; ok {
		return d
	}

	if sel == 0 {
		return hwabi.SegmentDescriptor{AccessRights: 1 << 16} // unusable
	}

	return hwabi.SegmentDescriptor{Selector: sel}
}

func (c *CPU) CurrentSegments() (cs, ss, ds, es, fs, gs, ldtr, tr hwabi.Selector) {
	return c.CS, c.SS, c.DS, c.ES, c.FS, c.GS, c.LDTR, c.TR
}

func (c *CPU) ReadSysenter() (cs uint32, esp, eip uint64) {
	return c.SysenterCS, c.SysenterESP, c.SysenterEIP
}

func (c *CPU) VMXCapabilities() (hwabi.VMXCapabilityMSRs, error) { return c.VMXCaps, nil }

func (c *CPU) VMXOn(pa uintptr) error {
	if c.VMXOnErr != nil {
		return c.VMXOnErr
	}

	c.VMXOnRegion = pa
	c.VMXIsOn = true

	return nil
}

func (c *CPU) VMXOff() error {
	c.VMXIsOn = false

	return nil
}

func (c *CPU) VMClear(evmcsPA uintptr) error {
	c.ClearedVMCS = evmcsPA

	return nil
}

func (c *CPU) VMLaunch() error {
	c.LaunchCount++

	return nil
}

func (c *CPU) VMResume() error {
	c.ResumeCount++

	return nil
}

func (c *CPU) InvEPT(uintptr, bool) error {
	c.InvEPTCount++

	return nil
}

func (c *CPU) HVHypercallPage() (hwabi.HVHypercallPage, error) { return c.HVPage, nil }

func (c *CPU) VPAssistPage() (*hwabi.VPAssistPage, error) { return &c.VPAssist, nil }

func (c *CPU) InvokeHypercall(_ hwabi.HVHypercallPage, in hwabi.HypercallInput) (hwabi.HypercallResult, error) {
	c.Hypercalls = append(c.Hypercalls, in)

	return hwabi.HypercallResult{Status: 0}, nil
}

func (c *CPU) Break(reason string) {
	c.Breaks = append(c.Breaks, reason)
}

func (c *CPU) InjectGP() error {
	c.GPInjections++

	return nil
}

func (c *CPU) CPL() int { return c.CPLValue }

var _ hwabi.CPU = (*CPU)(nil)
