// Package evmcs models the enlightened VMCS region from the Microsoft
// Hypervisor Top-Level Functional Specification: the guest-state,
// host-state, and control fields vcpu builds each VM-entry, plus the
// clean-fields bitmap that tells the processor which groups it can skip
// reloading. Grounded on gokvm/kvm.RunData -- a single page-sized struct
// mirroring a hardware layout exactly, with named constants for its bit
// fields -- and on spec.md §3's "eVMCS region" and §6's field list
// (literal register-layout headers are out of scope per spec.md §1, so
// this struct holds only the decoded fields vcpu/vmexit actually touch,
// not a byte-exact TLFS page dump).
package evmcs

import "github.com/sirenhv/sirenhv/hwabi"

// CleanField names one bit of the clean_fields word. Clearing a bit tells
// the processor the corresponding group of fields changed since the last
// VM-entry and must be reloaded from the eVMCS rather than cached.
type CleanField uint32

const (
	CleanBasic CleanField = 1 << iota
	CleanProcExec
	CleanException
	CleanEntry
	CleanEvent
	CleanGuestGRP1
	CleanGuestGRP2
	CleanGuestGRP3
	CleanHost
	CleanEPTP
	CleanCRDR
	CleanXLAT
	CleanGuestBasic
	CleanGuestGRP4
	CleanNotUsedExec
	CleanTSCMultiplier

	// CleanFieldsAllDirty is the all-zero clean_fields value: every group
	// must be reloaded on the next VM-entry.
	CleanFieldsAllDirty = CleanField(0)
	// CleanFieldsAllClean has every defined bit set: nothing needs reload.
	CleanFieldsAllClean = CleanBasic | CleanProcExec | CleanException | CleanEntry |
		CleanEvent | CleanGuestGRP1 | CleanGuestGRP2 | CleanGuestGRP3 | CleanHost |
		CleanEPTP | CleanCRDR | CleanXLAT | CleanGuestBasic | CleanGuestGRP4 |
		CleanNotUsedExec | CleanTSCMultiplier
)

// Region is one 4 KiB enlightened VMCS page. version_number is seeded to 1
// per spec.md §4.7/§6; revision_id is whatever the processor's
// IA32_VMX_BASIC MSR requires.
type Region struct {
	VersionNumber uint32
	RevisionID    uint32
	AbortIndicator uint32

	CleanFields CleanField

	// MSHVEnlightenmentsControl mirrors the VP-assist page's direct-hypercall
	// feature bit (spec.md §4.7 step 6).
	MSHVEnlightenmentsControl uint64

	Guest GuestState
	Host  HostState

	Controls Controls
}

// GuestState is the guest half of the eVMCS, built per spec.md §4.7.1.
type GuestState struct {
	CS, SS, DS, ES, FS, GS, LDTR, TR hwabi.SegmentDescriptor

	CR0, CR3, CR4 uint64
	DR7           uint64
	RFLAGS        uint64
	RSP, RIP      uint64

	GDTR, IDTR hwabi.DescriptorTableRegister

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64

	EFER uint64

	// VMCSLinkPointer is set to all-ones (no shadow VMCS), per spec.md §4.7.1.
	VMCSLinkPointer uint64
}

// HostState is the host half of the eVMCS, built per spec.md §4.7.2: the
// same control registers and a subset of segments, with RPL/TI scrubbed.
type HostState struct {
	CS, SS, DS, ES, FS, GS, TR hwabi.Selector

	FSBase, GSBase, TRBase uint64

	CR0, CR3, CR4 uint64

	GDTR, IDTR hwabi.DescriptorTableRegister

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64

	// RSP is the last aligned pointer of the vCPU's VM-exit stack; RIP is
	// the VM-exit trampoline's address (spec.md §4.7.2).
	RSP, RIP uint64
}

// Controls holds the pin-based/proc-based/secondary/exit/entry control
// fields plus the masks and pointers spec.md §4.7.3 specifies.
type Controls struct {
	PinBased     uint32
	ProcBased    uint32
	ProcBased2   uint32
	ExitControls uint32
	EntryControls uint32

	CR0GuestHostMask uint64
	CR4GuestHostMask uint64
	CR0ReadShadow    uint64
	CR4ReadShadow    uint64

	EPTPointer uint64

	MSRBitmapAddress uint64

	// VirtualProcessorID is left 0: spec.md §4.7.3 disables VPID.
	VirtualProcessorID uint16
}

// Clear marks fields as dirty so the next VM-entry reloads them, per
// spec.md §3 ("mutations set the appropriate bit of clean_fields to 0").
func (r *Region) Clear(fields CleanField) {
	r.CleanFields &^= fields
}

// ForceFullReload zeroes the entire clean-fields mask, as vcpu's launch
// helper does immediately before VMLAUNCH (spec.md §4.7 step 7).
func (r *Region) ForceFullReload() {
	r.CleanFields = CleanFieldsAllDirty
}

// SetCR4 writes the guest CR4 and its read shadow together and invalidates
// the CRDR clean-field group, matching the CR4-write exit handler in
// spec.md §4.8.
func (r *Region) SetCR4(value uint64) {
	r.Guest.CR4 = value
	r.Controls.CR4ReadShadow = value
	r.Clear(CleanCRDR)
}

// SetGuestRIPRSPFlags updates the three fields the VM-exit dispatcher may
// propagate back to the eVMCS (spec.md §4.8's "dispatch" paragraph),
// invalidating CleanGuestBasic only when RSP or RFLAGS actually changed.
func (r *Region) SetGuestRIPRSPFlags(rip, rsp, rflags uint64) {
	r.Guest.RIP = rip

	if r.Guest.RSP != rsp || r.Guest.RFLAGS != rflags {
		r.Guest.RSP = rsp
		r.Guest.RFLAGS = rflags
		r.Clear(CleanGuestBasic)
	}
}
