// Package vmexit implements the VM-exit dispatcher (C8): it receives the
// register snapshot the trampoline recovered, decodes the basic exit
// reason, services it, and reports whether the caller should VMRESUME.
// Grounded on original_source/siren-hv/siren/vmx/mshv_vmexit_handler.cpp
// for the handler set and on gokvm's LinuxGuest.RunOnce /
// kvm.RunData.ExitReason switch (machine/machine.go) for the Go shape of
// "decode exit reason, switch, service, resume." Disassembly of the
// offending instruction on "should not happen" paths uses
// golang.org/x/arch/x86/x86asm, the same import the teacher uses in
// machine/debug_amd64.go.
package vmexit

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sirenhv/sirenhv/hwabi"
	"github.com/sirenhv/sirenhv/hypercall"
	"github.com/sirenhv/sirenhv/vcpu"
)

// Reason is the VMX basic exit reason (Intel SDM Vol. 3C Appendix C),
// masked to bits [15:0]; bit 31 of the raw exit-reason field (VM-entry
// failure) is reported separately via EntryFailed.
type Reason uint16

const (
	ReasonHLT        Reason = 12
	ReasonCRAccess   Reason = 28
	ReasonCPUID      Reason = 10
	ReasonRDMSR      Reason = 31
	ReasonWRMSR      Reason = 32
	ReasonVMCALL     Reason = 18
)

// GuestRegisters is the general-purpose and SSE register file the
// trampoline saves onto the VM-exit stack before calling Dispatch
// (spec.md §4.8). RIP/RSP/RFLAGS are NOT authoritative here -- Dispatch
// reloads them from the eVMCS, per spec.md §4.8's "dispatch" paragraph.
type GuestRegisters struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	XMM [16][2]uint64
}

// Exit bundles everything Dispatch needs about the current VM-exit beyond
// the register file: the raw exit-reason word, the exit qualification, and
// the length of the instruction that caused the exit (used to advance
// guest RIP).
type Exit struct {
	RawReason         uint32
	Qualification     uint64
	InstructionLength uint32
}

// Reason extracts the basic exit reason from the raw field.
func (e Exit) Reason() Reason { return Reason(e.RawReason & 0xFFFF) }

// EntryFailed reports the top bit of the raw exit-reason word: a VM-entry
// failure rather than a normal VM-exit (spec.md §4.8).
func (e Exit) EntryFailed() bool { return e.RawReason&0x8000_0000 != 0 }

const siernVendorLeaf = 0x4000_0000

// sirenVendorString is the ASCII vendor string CPUID leaf 0x40000000
// returns in EBX/ECX/EDX so guest code can detect this hypervisor layer,
// per spec.md §4.8/§6.
const sirenVendorString = "siren-hv\x00\x00\x00\x00"

func packVendorDword(s string, offset int) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(s[offset+i]) << (8 * i)
	}

	return v
}

// Dispatch services one VM-exit per spec.md §4.8. It mutates regs and the
// vCPU's eVMCS in place and always leaves the vCPU in a resumable state:
// unexpected exit reasons and VM-entry failures log a debugger break and
// advance past the offending instruction rather than propagating an error,
// matching the bring-up "land gracefully even when unexpected" policy.
func Dispatch(v *vcpu.VCPU, regs *GuestRegisters, exit Exit, fetchInstruction func() []byte) {
	evmcsRegion := v.EVMCS()
	cpu := v.CPU()

	advance := true

	if exit.EntryFailed() {
		cpu.Break(fmt.Sprintf("vcpu %d: vm-entry failure, raw reason %#x", v.Index, exit.RawReason))
	} else {
		switch exit.Reason() {
		case ReasonCRAccess:
			handleCRAccess(v, regs, exit.Qualification)
		case ReasonCPUID:
			handleCPUID(cpu, regs)
		case ReasonRDMSR, ReasonWRMSR:
			logrus.WithFields(logrus.Fields{"vcpu": v.Index, "reason": exit.Reason()}).
				Warn("vmexit: unexpected MSR exit (bitmap is all-zero); passing through")
			cpu.Break(fmt.Sprintf("vcpu %d: unexpected msr exit", v.Index))

			msr := uint32(regs.RCX)
			if exit.Reason() == ReasonRDMSR {
				if val, err := cpu.ReadMSR(msr); err == nil {
					regs.RAX, regs.RDX = val&0xFFFF_FFFF, val>>32
				}
			} else {
				_ = cpu.WriteMSR(msr, regs.RDX<<32|regs.RAX&0xFFFF_FFFF)
			}
		case ReasonHLT:
			handleHLT(cpu)
		case ReasonVMCALL:
			advance = handleVMCALL(v, regs)
		default:
			reportUnexpected(v, regs, exit, fetchInstruction)
		}
	}

	if !advance {
		return
	}

	// Every successful handler sets guest_rip = guest_state.rip +
	// instruction_length (spec.md §4.8's closing paragraph); the
	// VM-entry-failure and "should not happen" paths advance past the
	// instruction too, per the bring-up "land gracefully" policy.
	newRIP := evmcsRegion.Guest.RIP + uint64(exit.InstructionLength)
	evmcsRegion.SetGuestRIPRSPFlags(newRIP, evmcsRegion.Guest.RSP, evmcsRegion.Guest.RFLAGS)
}

// crAccessGPRIndex decodes the MOV-to-CR4 source general-purpose register
// index from bits [11:8] of the exit qualification (Intel SDM Vol. 3C
// Table 27-3).
func crAccessGPRIndex(qualification uint64) int { return int((qualification >> 8) & 0xF) }

func crAccessCRNumber(qualification uint64) int { return int(qualification & 0xF) }

func crAccessIsMovToCR(qualification uint64) bool { return (qualification>>4)&0x3 == 0 }

// gprValue returns the value of general-purpose register index idx, in the
// standard x86-64 encoding order (0=RAX,1=RCX,2=RDX,3=RBX,4=RSP,5=RBP,
// 6=RSI,7=RDI,8-15=R8-R15).
func gprValue(regs *GuestRegisters, guestRSP uint64, idx int) uint64 {
	switch idx {
	case 0:
		return regs.RAX
	case 1:
		return regs.RCX
	case 2:
		return regs.RDX
	case 3:
		return regs.RBX
	case 4:
		return guestRSP
	case 5:
		return regs.RBP
	case 6:
		return regs.RSI
	case 7:
		return regs.RDI
	case 8:
		return regs.R8
	case 9:
		return regs.R9
	case 10:
		return regs.R10
	case 11:
		return regs.R11
	case 12:
		return regs.R12
	case 13:
		return regs.R13
	case 14:
		return regs.R14
	case 15:
		return regs.R15
	default:
		return 0
	}
}

// handleCRAccess services a MOV-to-CR4 exit -- the only CR exit this
// system enables (spec.md §4.8). It writes the new value into the guest
// CR4 and its read shadow, then flushes TLBs via the parent hypervisor's
// HvFlushVirtualAddressSpace hypercall, injecting #GP on failure.
func handleCRAccess(v *vcpu.VCPU, regs *GuestRegisters, qualification uint64) {
	evmcs := v.EVMCS()
	cpu := v.CPU()

	if crAccessCRNumber(qualification) != 4 || !crAccessIsMovToCR(qualification) {
		cpu.Break(fmt.Sprintf("vcpu %d: unexpected cr-access exit, qualification %#x", v.Index, qualification))

		return
	}

	newCR4 := gprValue(regs, evmcs.Guest.RSP, crAccessGPRIndex(qualification))
	evmcs.SetCR4(newCR4)

	page := v.HypercallPage()

	_, err := cpu.InvokeHypercall(page, hwabi.HypercallInput{
		ControlCode: hvFlushVirtualAddressSpace,
		Fast:        true,
		FastIn:      [6]uint64{0xFFFFFFFFFFFFFFFF, 0, 0, 0, 0, 0}, // all address spaces
	})
	if err != nil {
		if injErr := cpu.InjectGP(); injErr != nil {
			cpu.Break(fmt.Sprintf("vcpu %d: cr4 flush failed and #GP injection failed: %v", v.Index, injErr))
		}
	}
}

// hvFlushVirtualAddressSpace is the TLFS hypercall control code for
// HvFlushVirtualAddressSpace (spec.md §6, §4.8).
const hvFlushVirtualAddressSpace = 0x0002

// handleCPUID executes the real CPUID, overriding EBX/ECX/EDX with the
// "siren-hv" vendor string on leaf 0x40000000, per spec.md §4.8/§6.
func handleCPUID(cpu hwabi.CPU, regs *GuestRegisters) {
	leaf := uint32(regs.RAX)
	subleaf := uint32(regs.RCX)

	eax, ebx, ecx, edx := cpu.CPUID(leaf, subleaf)

	if leaf == siernVendorLeaf {
		ebx = packVendorDword(sirenVendorString, 0)
		ecx = packVendorDword(sirenVendorString, 4)
		edx = packVendorDword(sirenVendorString, 8)
	}

	regs.RAX = uint64(eax)
	regs.RBX = uint64(ebx)
	regs.RCX = uint64(ecx)
	regs.RDX = uint64(edx)
}

// hvGuestIdle is HV_X64_MSR_GUEST_IDLE, read on HLT to block in the parent
// hypervisor until an interrupt arrives -- a privilege-safe HLT (spec.md
// §4.8).
const hvGuestIdle = 0x4000_0004

// handleHLT implements the privilege-safe HLT substitute: read
// HV_X64_MSR_GUEST_IDLE and discard the result.
func handleHLT(cpu hwabi.CPU) {
	if _, err := cpu.ReadMSR(hvGuestIdle); err != nil {
		cpu.Break(fmt.Sprintf("vmexit: HV_X64_MSR_GUEST_IDLE read failed: %v", err))
	}
}

// handleVMCALL dispatches either into the private siren hypercall
// namespace (EAX == hypercall.Magic) or forwards to the parent
// hypervisor's TLFS hypercall page, per spec.md §4.8. Guest CPL != 0 gets
// #UD (virtualization is hidden from ring 3) -- modeled here as an
// InjectGP call since hwabi exposes only a single generic injector; the
// driver shell distinguishes the vector from the call site. It reports
// whether Dispatch should advance guest RIP: mshv_vmexit_handler.cpp:417-420
// returns without advancing RIP on the ring-3 path, since a delivered
// fault must not also retire the faulting VMCALL.
func handleVMCALL(v *vcpu.VCPU, regs *GuestRegisters) (advance bool) {
	cpu := v.CPU()

	if cpu.CPL() != 0 {
		if err := cpu.InjectGP(); err != nil {
			cpu.Break(fmt.Sprintf("vcpu %d: ring-3 vmcall #UD injection failed: %v", v.Index, err))
		}

		return false
	}

	if uint32(regs.RAX) == hypercall.Magic {
		result, err := hypercall.Dispatch(turnOffController{v}, hypercall.FunctionID(regs.RBX), hypercall.Args{
			RCX: regs.RCX, RDX: regs.RDX, R8: regs.R8, R9: regs.R9,
		})
		if err != nil {
			logrus.WithError(err).WithField("vcpu", v.Index).Debug("vmexit: private hypercall returned an error")
		}

		regs.RAX = result.RAX

		return true
	}

	page := v.HypercallPage()

	result, err := cpu.InvokeHypercall(page, hwabi.HypercallInput{
		ControlCode: regs.RCX,
		InputGPA:    regs.RDX,
		OutputGPA:   regs.R8,
		Fast:        false,
	})
	if err != nil {
		cpu.Break(fmt.Sprintf("vcpu %d: tlfs hypercall forward failed: %v", v.Index, err))

		return true
	}

	regs.RAX = result.Status

	return true
}

// cr4VMXEBit is CR4.VMXE (bit 13), cleared on turn-off-vm so the guest's
// own CR4 no longer claims VMX is active, per spec.md §4.10.
const cr4VMXEBit = 1 << 13

// turnOffController adapts vcpu.VCPU to hypercall.VMExitController for the
// turn-off-vm function id. Restoring CR3/GDTR/IDTR/FS_BASE/GS_BASE from
// guest state (spec.md §4.10) needs raw CR3/descriptor-table/segment-base
// writers hwabi.CPU does not expose -- those literal register writers are
// exactly the "raw wrappers" spec.md §1 puts out of scope, so this
// implements the part of turn-off-vm this module owns (clearing CR4.VMXE
// and VMXOFF) and leaves register restoration to the driver shell.
type turnOffController struct{ v *vcpu.VCPU }

func (t turnOffController) TurnOff() error {
	return t.v.Stop(func() error {
		cpu := t.v.CPU()
		cpu.WriteCR4(cpu.ReadCR().CR4 &^ cr4VMXEBit)

		return cpu.VMXOff()
	})
}

// reportUnexpected handles every exit reason not named above: disassemble
// the faulting instruction for the debugger break message, then resume
// anyway (spec.md §4.8's intentional "land gracefully" bring-up policy).
func reportUnexpected(v *vcpu.VCPU, regs *GuestRegisters, exit Exit, fetchInstruction func() []byte) {
	cpu := v.CPU()

	msg := fmt.Sprintf("vcpu %d: unhandled exit reason %d", v.Index, exit.Reason())

	if fetchInstruction != nil {
		if code := fetchInstruction(); len(code) > 0 {
			if inst, err := x86asm.Decode(code, 64); err == nil {
				msg += ": " + x86asm.GNUSyntax(inst, v.EVMCS().Guest.RIP, nil)
			}
		}
	}

	cpu.Break(msg)
}
