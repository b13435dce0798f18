// Package hwabi defines the collaborator boundary between this module and
// the things spec.md §1 calls out as deliberately out of scope: raw CPUID,
// MSR, CR, and VMX instruction wrappers, and the parent hypervisor's TLFS
// surface (hypercall page, VP-assist page, HV MSRs). Nothing in this
// package executes a privileged instruction; it only names the contract
// the rest of the module programs against, the same role gokvm's kvm
// package plays for KVM ioctls -- except there the wrapper calls into a
// real kernel driver, and here no hosted Go binary can legally execute
// VMXON, so implementations live outside this module (the driver shell) or,
// for tests, in hwabi/hwabitest.
package hwabi

import "errors"

// ErrNotImplemented is returned by a CPU implementation for a feature it
// does not provide, mirroring spec.md's "not_implemented" error kind.
var ErrNotImplemented = errors.New("hwabi: not implemented")

// Selector is a segment-selector value (descriptor index, TI bit 2, RPL
// bits 0-1) as held in one of the eight segment registers CS/SS/DS/ES/FS/
// GS/LDTR/TR that guest- and host-state construction (spec.md §4.7.1-2)
// must mirror.
type Selector uint16

// SegmentDescriptor is the decoded form of one GDT/LDT entry, already
// unscrambled from the packed hardware encoding (base split across three
// fields, limit split across two, access rights spread over a byte) into
// a flat record. Producing this from raw descriptor-table bytes is exactly
// the kind of "literal register-layout header" spec.md §1 puts out of
// scope; callers obtain it through CPU.ReadSegment.
type SegmentDescriptor struct {
	Selector Selector
	Base     uint64
	Limit    uint32
	// AccessRights is the VMX-encoded access-rights dword: the standard
	// descriptor access byte right-shifted by 8 into bits [7:0], granularity and
	// long-mode bits in their VMX positions, and bit 16 (Unusable) set for
	// a null selector. Callers never need to decode it further; vcpu uses
	// it verbatim in the eVMCS guest/host segment fields.
	AccessRights uint32
}

// ControlRegisters snapshots CR0/CR2/CR3/CR4/CR8 and DR7 of the calling
// logical processor, as read by the raw CR-access wrappers.
type ControlRegisters struct {
	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64
	CR8 uint64
	DR7 uint64
}

// DescriptorTableRegister is the decoded form of GDTR/IDTR (SGDT/SIDT).
type DescriptorTableRegister struct {
	Base  uint64
	Limit uint16
}

// VMXCapabilityMSRs bundles the IA32_VMX_BASIC / IA32_VMX_TRUE_*_CTLS (or
// non-TRUE fallback) / IA32_VMX_CR0_FIXED* / IA32_VMX_CR4_FIXED* MSRs that
// spec.md §4.7.3 intersects against the caller's desired control bits.
type VMXCapabilityMSRs struct {
	Basic uint64

	PinBasedAllowed0, PinBasedAllowed1                 uint32
	ProcBasedAllowed0, ProcBasedAllowed1                 uint32
	ProcBased2Allowed0, ProcBased2Allowed1               uint32
	ExitAllowed0, ExitAllowed1                           uint32
	EntryAllowed0, EntryAllowed1                         uint32

	CR0Fixed0, CR0Fixed1 uint64
	CR4Fixed0, CR4Fixed1 uint64

	EPTVPIDCap uint64
}

// UsesTrueControls reports whether bit 55 of IA32_VMX_BASIC is set, meaning
// the TRUE_*_CTLS MSRs (not the plain ones) must be used per spec.md §4.7.3.
func (c VMXCapabilityMSRs) UsesTrueControls() bool {
	return c.Basic&(1<<55) != 0
}

// HVHypercallPage locates the parent hypervisor's hypercall page, read from
// HV_X64_MSR_HYPERCALL per spec.md §4.7 / §6.
type HVHypercallPage struct {
	PhysicalAddress uintptr
	VirtualAddress  uintptr
	Enabled         bool
}

// VPAssistPage is the per-vCPU TLFS page through which the guest and parent
// hypervisor exchange nested-virtualization state (spec.md §3, §4.7).
type VPAssistPage struct {
	PhysicalAddress uintptr

	// CurrentNestedVMCS is the guest-physical address of the eVMCS the
	// processor should treat as active; writing it replaces VMPTRLD.
	CurrentNestedVMCS uint64
	// EnlightenVMEntry, when set, tells the parent hypervisor to consult
	// CurrentNestedVMCS instead of requiring VMPTRLD/VMREAD/VMWRITE.
	EnlightenVMEntry uint8
	// NestedFlushVirtualHypercall mirrors
	// nested_enlightenments_control.features.direct_hypercall (spec.md §4.7
	// step 6): enabling it lets HvFlushVirtualAddressSpace/
	// HvFlushGuestPhysicalAddressSpace skip a VM-exit round trip.
	NestedFlushVirtualHypercall bool
}

// HypercallInput is the standard (slow) TLFS hypercall convention: a control
// word plus input/output GPA pairs, as forwarded from vmexit's VMCALL
// handler for anything that is not the private siren ABI.
type HypercallInput struct {
	ControlCode uint64
	InputGPA    uint64
	OutputGPA   uint64
	// Fast carries RCX/RDX/R8/XMM0-5 directly instead of going through
	// memory, per the TLFS "fast" hypercall flavor.
	Fast    bool
	FastIn  [6]uint64
	FastOut [2]uint64
}

// HypercallResult is the TLFS hypercall status word plus, for the fast
// flavor, the two output registers the result is written back into.
type HypercallResult struct {
	Status  uint64
	FastOut [2]uint64
}

// CPU is the per-logical-processor collaborator boundary: everything
// spec.md §1 lists as "raw wrappers ... assumed available" plus the TLFS
// surface this module consumes, per spec.md §6. One implementation exists
// per logical processor, bound to it by the caller (never migrated across
// CPUs mid-call), mirroring how gokvm's per-vCPU ioctl fd is opened once
// and used only from the goroutine that owns it.
type CPU interface {
	// CPUID executes the real instruction for (leaf, subleaf).
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	ReadMSR(addr uint32) (uint64, error)
	WriteMSR(addr uint32, value uint64) error

	ReadCR() ControlRegisters
	WriteCR0(value uint64)
	WriteCR4(value uint64)

	ReadRFLAGS() uint64
	ReadEFER() uint64

	ReadGDTR() DescriptorTableRegister
	ReadIDTR() DescriptorTableRegister
	// ReadSegment decodes the descriptor-table entry the selector refers
	// to (following the LDT indirection when Selector.TI==1), or, for
	// FS/GS, folds in the FS_BASE/GS_BASE MSR per spec.md §4.7.1.
	ReadSegment(sel Selector) SegmentDescriptor
	// CurrentSegments reads the calling logical processor's CS/SS/DS/ES/
	// FS/GS/LDTR/TR segment-register contents (MOV from Sreg / SLDT / STR),
	// the selector values guest- and host-state construction mirror per
	// spec.md §4.7.1-2.
	CurrentSegments() (cs, ss, ds, es, fs, gs, ldtr, tr Selector)

	ReadSysenter() (cs uint32, esp, eip uint64)

	VMXCapabilities() (VMXCapabilityMSRs, error)

	// VMXOn/VMXOff/VMClear/VMLaunch/VMResume/InvEPT wrap the named VMX
	// instructions against the physical address supplied (VMXON/VMCLEAR)
	// or the current eVMCS binding (VMLAUNCH/VMRESUME), returning an error
	// translated from the instruction's CF/ZF failure indication.
	VMXOn(vmxonRegionPA uintptr) error
	VMXOff() error
	VMClear(evmcsPA uintptr) error
	VMLaunch() error
	VMResume() error
	InvEPT(eptRootPA uintptr, global bool) error

	HVHypercallPage() (HVHypercallPage, error)
	VPAssistPage() (*VPAssistPage, error)

	// InvokeHypercall forwards a TLFS hypercall through the parent
	// hypervisor's hypercall page (spec.md §4.8 VMCALL handler, the
	// "otherwise" branch).
	InvokeHypercall(page HVHypercallPage, in HypercallInput) (HypercallResult, error)

	// Break traps to the attached debugger. Every "should not happen"
	// path in vmexit calls this instead of returning an error, per
	// spec.md §7's bring-up error-propagation policy.
	Break(reason string)

	// InjectGP queues a #GP(0) for delivery on the next VM-entry, used by
	// vmexit for the CR4-flush-failure and ring-3-VMCALL paths (spec.md
	// §4.8).
	InjectGP() error

	// CPL returns the guest's current privilege level (the DPL, bits 5-6,
	// of the SS access-rights field), used by the VMCALL handler to hide
	// virtualization from ring 3 (spec.md §4.8).
	CPL() int
}

// DeviceSurface is the minimal host-side control-device contract spec.md §6
// specifies as produced: CREATE/CLOSE are no-ops, DEVICE_CONTROL always
// answers not-implemented. Grounded on
// original_source/siren-hv/driver_irp_handler.cpp.
type DeviceSurface interface {
	Create() error
	Close() error
	DeviceControl(code uint32, in []byte) (out []byte, err error)
}
