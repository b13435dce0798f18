// Package vcpu implements the per-logical-processor virtualization
// lifecycle (C7): eVMCS construction, activation via VMXON plus enlightened
// binding, and the guest-entry transition. Grounded on
// original_source/siren-hv/siren/vmx/mshv_virtual_cpu.cpp for the exact
// init/start/stop sequence and on gokvm's machine.Machine (see
// machine/machine.go's LoadLinux/RunData lifecycle) for the Go shape of a
// "build state structs, then hand off to a collaborator" object.
package vcpu

import (
	"fmt"
	"unsafe"

	"github.com/sirenhv/sirenhv/evmcs"
	"github.com/sirenhv/sirenhv/hwabi"
)

// exitStackSize is the 1 MiB VM-exit stack spec.md §3 specifies for each
// vCPU.
const exitStackSize = 1 << 20

// Required VMX proc-based-2 control bits spec.md §4.7.3 mandates: enable
// EPT, enable RDTSCP, enable INVPCID, enable XSAVES/XRSTORS, unrestricted
// guest not required, conceal VMX from Intel PT.
const (
	procBased2EnableEPT        = 1 << 1
	procBased2EnableRDTSCP     = 1 << 3
	procBased2EnableInvpcid    = 1 << 12
	procBased2ConcealVMXFromPT = 1 << 19
	procBased2EnableXSAVES     = 1 << 20

	procBasedUseMSRBitmaps     = 1 << 28
	procBasedActivateSecondary = 1 << 31

	exitControlsSaveDebugControls = 1 << 2
	exitControlsHostAddrSpace64   = 1 << 9
	exitControlsAckInterruptOnExit = 1 << 15

	entryControlsLoadDebugControls = 1 << 2
	entryControlsIA32eModeGuest    = 1 << 9

	cr4MaskPSE = 1 << 4
	cr4MaskPAE = 1 << 5
	cr4MaskPGE = 1 << 7
)

// VCPU owns one logical processor's virtualization state: the eVMCS,
// VMXON page, VM-exit stack, and the references into the parent
// hypervisor's TLFS pages (spec.md §3's "vCPU" data-model entry).
type VCPU struct {
	Index int

	cpu hwabi.CPU

	evmcs *evmcs.Region

	vmxonPage   []byte
	vmxonPA     uintptr
	evmcsPage   []byte
	partitionAssistPage []byte

	exitStack []byte
	exitRIP   uintptr // host RIP programmed into the eVMCS: the trampoline entry

	hypercallPage hwabi.HVHypercallPage
	vpAssistPage  *hwabi.VPAssistPage

	eptpRootPA       uint64
	msrBitmapAddress uint64

	running bool
}

// New constructs a detached vCPU bound to cpu. Call Init before Start.
func New(index int, cpu hwabi.CPU) *VCPU {
	return &VCPU{Index: index, cpu: cpu}
}

func pageAddress(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Init runs on the vCPU's own physical CPU (spec.md §4.7): it locates the
// parent hypercall page and VP-assist page via the HV MSRs, and allocates
// the partition-assist page, VMXON region, eVMCS region, and VM-exit
// stack. trampolinePA is the VM-exit trampoline's address, supplied by the
// caller since the actual trampoline is out of this module's scope (the
// literal register-layout/assembly surface spec.md §1 excludes).
func (v *VCPU) Init(eptpRootPA uint64, msrBitmapAddress uint64, trampolinePA uintptr) error {
	page, err := v.cpu.HVHypercallPage()
	if err != nil {
		return fmt.Errorf("vcpu %d: hypercall page: %w", v.Index, err)
	}

	if !page.Enabled {
		return fmt.Errorf("vcpu %d: hypercall page: %w", v.Index, hwabi.ErrNotImplemented)
	}

	v.hypercallPage = page

	vpap, err := v.cpu.VPAssistPage()
	if err != nil {
		return fmt.Errorf("vcpu %d: vp-assist page: %w", v.Index, err)
	}

	v.vpAssistPage = vpap

	v.partitionAssistPage = make([]byte, 4096)

	v.vmxonPage = make([]byte, 4096)
	v.vmxonPA = pageAddress(v.vmxonPage)

	caps, err := v.cpu.VMXCapabilities()
	if err != nil {
		return fmt.Errorf("vcpu %d: vmx capabilities: %w", v.Index, err)
	}

	revisionID := uint32(caps.Basic & 0x7FFF_FFFF)

	v.evmcs = &evmcs.Region{VersionNumber: 1, RevisionID: revisionID}
	v.evmcsPage = make([]byte, 4096)
	putRevisionID(v.vmxonPage, revisionID)
	putRevisionID(v.evmcsPage, revisionID)

	v.exitStack = make([]byte, exitStackSize)
	v.exitRIP = trampolinePA

	// the trampoline recovers the owning vCPU from the last pointer-sized
	// slot of the stack (spec.md §3); we store the vCPU's own index there
	// since this module cannot take its own unsafe.Pointer portably, and
	// the driver shell resolves index -> *VCPU.
	selfSlot := v.exitStack[exitStackSize-8:]
	putUint64(selfSlot, uint64(v.Index))

	v.eptpRootPA = eptpRootPA
	v.msrBitmapAddress = msrBitmapAddress

	return nil
}

func putUint64(b []byte, val uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(val >> (8 * i))
	}
}

func putRevisionID(page []byte, revisionID uint32) {
	for i := 0; i < 4; i++ {
		page[i] = byte(revisionID >> (8 * i))
	}
}

// exitStackTop returns the last aligned pointer within the VM-exit stack,
// reserving the trailing 8 bytes that hold the self slot (spec.md §4.7.2:
// "Host RSP is the last aligned pointer of the vCPU's VM-exit stack").
func (v *VCPU) exitStackTop() uintptr {
	top := pageAddress(v.exitStack) + uintptr(len(v.exitStack)-8)

	return top &^ 0xF // 16-byte align per the x86-64 SysV/Windows ABI
}

// Start activates the vCPU per spec.md §4.7: force fixed CR bits, VMXON,
// VMCLEAR the eVMCS, enter enlightened mode, build guest/host/control
// state, publish enlightenment hints, and launch.
func (v *VCPU) Start() error {
	if v.running {
		return nil // double-start is a no-op
	}

	caps, err := v.cpu.VMXCapabilities()
	if err != nil {
		return fmt.Errorf("vcpu %d: vmx capabilities: %w", v.Index, err)
	}

	cr := v.cpu.ReadCR()
	v.cpu.WriteCR0((cr.CR0 | caps.CR0Fixed0) & caps.CR0Fixed1)
	v.cpu.WriteCR4((cr.CR4 | caps.CR4Fixed0) & caps.CR4Fixed1)

	if err := v.cpu.VMXOn(v.vmxonPA); err != nil {
		return fmt.Errorf("vcpu %d: vmxon: %w", v.Index, err)
	}

	evmcsPA := pageAddress(v.evmcsPage)
	if err := v.cpu.VMClear(evmcsPA); err != nil {
		return fmt.Errorf("vcpu %d: vmclear: %w", v.Index, err)
	}

	v.vpAssistPage.CurrentNestedVMCS = uint64(evmcsPA)
	v.vpAssistPage.EnlightenVMEntry = 1

	if err := v.buildGuestState(); err != nil {
		return fmt.Errorf("vcpu %d: guest state: %w", v.Index, err)
	}

	v.buildHostState()

	if err := v.buildControls(caps); err != nil {
		return fmt.Errorf("vcpu %d: controls: %w", v.Index, err)
	}

	v.vpAssistPage.NestedFlushVirtualHypercall = true
	v.evmcs.MSHVEnlightenmentsControl |= 1

	if err := v.launch(); err != nil {
		v.cpu.Break(fmt.Sprintf("vcpu %d: vmlaunch failed: %v", v.Index, err))

		return fmt.Errorf("vcpu %d: vmlaunch: %w", v.Index, err)
	}

	v.running = true

	return nil
}

// launch snapshots guest RSP/RIP, forces a full eVMCS reload, and issues
// VMLAUNCH, per spec.md §4.7 step 7.
func (v *VCPU) launch() error {
	v.evmcs.Guest.RSP = uint64(v.exitStackTop())
	v.evmcs.Guest.RIP = uint64(v.exitRIP)
	v.evmcs.ForceFullReload()

	return v.cpu.VMLaunch()
}

// Stop runs invoke, which issues the private siren "turn off VM" hypercall
// from within the guest (spec.md §4.7/§4.10). Double-stop is a no-op.
func (v *VCPU) Stop(invoke func() error) error {
	if !v.running {
		return nil
	}

	if err := invoke(); err != nil {
		return fmt.Errorf("vcpu %d: stop: %w", v.Index, err)
	}

	v.running = false

	return nil
}

// Running reports whether the vCPU has successfully launched and not yet
// stopped.
func (v *VCPU) Running() bool { return v.running }

// EVMCS exposes the vCPU's eVMCS region for vmexit's dispatcher.
func (v *VCPU) EVMCS() *evmcs.Region { return v.evmcs }

// HypercallPage exposes the parent hypervisor's hypercall page located at
// Init, so vmexit's VMCALL handler can forward TLFS hypercalls through it
// (spec.md §4.8).
func (v *VCPU) HypercallPage() hwabi.HVHypercallPage { return v.hypercallPage }

// CPU exposes the underlying collaborator for handlers that need to issue
// further privileged operations (InvokeHypercall, Break, ReadMSR/WriteMSR).
func (v *VCPU) CPU() hwabi.CPU { return v.cpu }

// buildGuestState mirrors the current host state into the eVMCS guest
// fields, per spec.md §4.7.1.
func (v *VCPU) buildGuestState() error {
	cs, ss, ds, es, fs, gs, ldtr, tr := v.cpu.CurrentSegments()

	v.evmcs.Guest.CS = v.cpu.ReadSegment(cs)
	v.evmcs.Guest.SS = v.cpu.ReadSegment(ss)
	v.evmcs.Guest.DS = v.cpu.ReadSegment(ds)
	v.evmcs.Guest.ES = v.cpu.ReadSegment(es)
	v.evmcs.Guest.FS = v.cpu.ReadSegment(fs)
	v.evmcs.Guest.GS = v.cpu.ReadSegment(gs)
	v.evmcs.Guest.LDTR = v.cpu.ReadSegment(ldtr)
	v.evmcs.Guest.TR = v.cpu.ReadSegment(tr)

	cr := v.cpu.ReadCR()
	v.evmcs.Guest.CR0 = cr.CR0
	v.evmcs.Guest.CR3 = cr.CR3
	v.evmcs.Guest.CR4 = cr.CR4
	v.evmcs.Guest.DR7 = cr.DR7
	v.evmcs.Guest.RFLAGS = v.cpu.ReadRFLAGS()

	v.evmcs.Guest.GDTR = v.cpu.ReadGDTR()
	v.evmcs.Guest.IDTR = v.cpu.ReadIDTR()

	sysenterCS, sysenterESP, sysenterEIP := v.cpu.ReadSysenter()
	v.evmcs.Guest.SysenterCS = sysenterCS
	v.evmcs.Guest.SysenterESP = sysenterESP
	v.evmcs.Guest.SysenterEIP = sysenterEIP

	v.evmcs.Guest.EFER = v.cpu.ReadEFER()

	v.evmcs.Guest.VMCSLinkPointer = ^uint64(0)

	v.evmcs.Controls.CR4ReadShadow = cr.CR4

	return nil
}

// scrubSelector clears the RPL (bits 0-1) and TI (bit 2) fields VMX
// requires to be zero in every host selector, per spec.md §4.7.2.
func scrubSelector(sel hwabi.Selector) hwabi.Selector { return sel &^ 0x7 }

// buildHostState copies the control registers and a subset of segments
// into the eVMCS host fields, scrubbing RPL/TI from the selectors, per
// spec.md §4.7.2.
func (v *VCPU) buildHostState() {
	cs, ss, ds, es, fs, gs, _, tr := v.cpu.CurrentSegments()

	v.evmcs.Host.CS = scrubSelector(cs)
	v.evmcs.Host.SS = scrubSelector(ss)
	v.evmcs.Host.DS = scrubSelector(ds)
	v.evmcs.Host.ES = scrubSelector(es)
	v.evmcs.Host.FS = scrubSelector(fs)
	v.evmcs.Host.GS = scrubSelector(gs)
	v.evmcs.Host.TR = scrubSelector(tr)

	v.evmcs.Host.FSBase = v.cpu.ReadSegment(fs).Base
	v.evmcs.Host.GSBase = v.cpu.ReadSegment(gs).Base
	v.evmcs.Host.TRBase = v.cpu.ReadSegment(tr).Base

	cr := v.cpu.ReadCR()
	v.evmcs.Host.CR0 = cr.CR0
	v.evmcs.Host.CR3 = cr.CR3
	v.evmcs.Host.CR4 = cr.CR4

	v.evmcs.Host.GDTR = v.cpu.ReadGDTR()
	v.evmcs.Host.IDTR = v.cpu.ReadIDTR()

	sysenterCS, sysenterESP, sysenterEIP := v.cpu.ReadSysenter()
	v.evmcs.Host.SysenterCS = sysenterCS
	v.evmcs.Host.SysenterESP = sysenterESP
	v.evmcs.Host.SysenterEIP = sysenterEIP

	v.evmcs.Host.RSP = uint64(v.exitStackTop())
	v.evmcs.Host.RIP = uint64(v.exitRIP)
}

// intersect combines an allowed-0/allowed-1 capability MSR pair with a
// desired bit set, per spec.md §4.7.3: bits fixed to 1 by allowed0 are
// forced on, bits fixed to 0 by allowed1 are forced off, everything else
// follows the caller's intent.
func intersect(desired, allowed0, allowed1 uint32) uint32 {
	return (desired | allowed0) & allowed1
}

// buildControls computes the pin-based/proc-based/secondary/exit/entry
// controls as the intersection of the required bits with the processor's
// true (or plain, per UsesTrueControls) capability MSRs, per spec.md
// §4.7.3.
func (v *VCPU) buildControls(caps hwabi.VMXCapabilityMSRs) error {
	procBased := procBasedUseMSRBitmaps | procBasedActivateSecondary
	procBased2 := procBased2EnableEPT | procBased2EnableRDTSCP |
		procBased2EnableInvpcid | procBased2EnableXSAVES | procBased2ConcealVMXFromPT
	exitControls := exitControlsSaveDebugControls | exitControlsHostAddrSpace64 | exitControlsAckInterruptOnExit
	entryControls := entryControlsLoadDebugControls | entryControlsIA32eModeGuest

	v.evmcs.Controls.PinBased = intersect(0, caps.PinBasedAllowed0, caps.PinBasedAllowed1)
	v.evmcs.Controls.ProcBased = intersect(uint32(procBased), caps.ProcBasedAllowed0, caps.ProcBasedAllowed1)
	v.evmcs.Controls.ProcBased2 = intersect(uint32(procBased2), caps.ProcBased2Allowed0, caps.ProcBased2Allowed1)
	v.evmcs.Controls.ExitControls = intersect(uint32(exitControls), caps.ExitAllowed0, caps.ExitAllowed1)
	v.evmcs.Controls.EntryControls = intersect(uint32(entryControls), caps.EntryAllowed0, caps.EntryAllowed1)

	v.evmcs.Controls.CR0GuestHostMask = 0
	v.evmcs.Controls.CR4GuestHostMask = cr4MaskPSE | cr4MaskPAE | cr4MaskPGE
	v.evmcs.Controls.CR4ReadShadow = v.evmcs.Guest.CR4

	v.evmcs.Controls.EPTPointer = v.eptpRootPA | eptpMemTypeWriteBack | eptpWalkLength4 | eptpAccessedDirty
	v.evmcs.Controls.MSRBitmapAddress = v.msrBitmapAddress
	v.evmcs.Controls.VirtualProcessorID = 0

	v.evmcs.ForceFullReload()

	return nil
}

// EPTP field encoding (Intel SDM Vol. 3C §24.6.11): bits [2:0] memory type
// (6=WB), bits [5:3] (walk length - 1, so 3 = 4-level), bit 6 enables
// accessed/dirty flags.
const (
	eptpMemTypeWriteBack = 6
	eptpWalkLength4       = 3 << 3
	eptpAccessedDirty     = 1 << 6
)
