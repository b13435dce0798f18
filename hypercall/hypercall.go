// Package hypercall implements the private siren VMCALL ABI (C10):
// magic-tagged function dispatch callable from guest ring 0. Grounded on
// original_source/siren-hv/siren/vmx/siren_hypercalls.hpp for the id table
// and on gokvm/kvm's pattern of an enum-of-constants plus a small
// string-returning helper for unknown/unsupported values (see
// kvm/kvm.go's exit-reason constants).
package hypercall

import (
	"errors"
	"fmt"
)

// Magic is the value VMCALL's EAX must carry ('vhrs' in the ASCII order
// the original source's comment shows: eax <= 'vhrs') to select the
// private namespace rather than the TLFS hypercall convention.
const Magic uint32 = 0x73726876 // "vhrs" little-endian as loaded into EAX

// FunctionID selects one of the operations below; carried in RBX.
type FunctionID uint64

const (
	Echo             FunctionID = 0
	TurnOffVM        FunctionID = 1
	EPTCommit1GiB    FunctionID = 2
	EPTCommit2MiB    FunctionID = 3
	EPTCommit4KiB    FunctionID = 4
	EPTUncommit1GiB  FunctionID = 5
	EPTUncommit2MiB  FunctionID = 6
	EPTUncommit4KiB  FunctionID = 7
	EPTFlush         FunctionID = 8
)

// EchoResult is the RAX value function id 0 returns.
const EchoResult uint64 = 0x76687273 // "srhv"

// ErrNotImplemented is returned for any function id defined in the ABI but
// not implemented in the current core (spec.md §4.10: ids 2-8), and for any
// id outside the table entirely.
var ErrNotImplemented = errors.New("hypercall: not implemented")

// Args is the RCX/RDX/R8/R9 input register file.
type Args struct {
	RCX, RDX, R8, R9 uint64
}

// Result is written back into RAX.
type Result struct {
	RAX uint64
}

// VMExitController is the subset of vCPU state a hypercall may need to
// mutate: turn-off-vm must restore CR3/GDTR/IDTR/FS_BASE/GS_BASE from
// guest state, advance RIP, then VMXOFF and clear CR4.VMXE on its own CPU
// (spec.md §4.10, id 1).
type VMExitController interface {
	TurnOff() error
}

// Dispatch services one private hypercall, per spec.md §4.10's table. Any
// id not named in the table, and ids 2-8 (reserved for EPT mutation/flush,
// "defined in the ABI but not implemented in the current core"), return
// ErrNotImplemented.
func Dispatch(ctrl VMExitController, fn FunctionID, args Args) (Result, error) {
	switch fn {
	case Echo:
		return Result{RAX: EchoResult}, nil
	case TurnOffVM:
		if err := ctrl.TurnOff(); err != nil {
			return Result{}, fmt.Errorf("hypercall: turn-off-vm: %w", err)
		}

		return Result{}, nil
	case EPTCommit1GiB, EPTCommit2MiB, EPTCommit4KiB,
		EPTUncommit1GiB, EPTUncommit2MiB, EPTUncommit4KiB, EPTFlush:
		return Result{}, ErrNotImplemented
	default:
		return Result{}, ErrNotImplemented
	}
}
