// Package hypervisor wires the per-module pieces (msrbitmap, ept, mtrr,
// vcpu) into the whole-machine lifecycle (C9): build the shared MSR bitmap
// and EPT once, initialize one vCPU per logical processor, then fan out
// start/stop across all of them. Grounded on gokvm's machine.New
// (construct-then-return-errors, no panics) and on
// original_source/siren-hv/driver.cpp's DriverEntry/DriverUnload
// sequencing: build the hypervisor once, tear it down once, propagate
// status as a plain return value.
package hypervisor

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sirenhv/sirenhv/broadcast"
	"github.com/sirenhv/sirenhv/ept"
	"github.com/sirenhv/sirenhv/hwabi"
	"github.com/sirenhv/sirenhv/msrbitmap"
	"github.com/sirenhv/sirenhv/mtrr"
	"github.com/sirenhv/sirenhv/vcpu"
)

// errNotInitialized is returned when Start is called before Initialize.
var errNotInitialized = errors.New("hypervisor: not initialized")

// errStillRunning is returned by Close when the hypervisor has not been
// Stopped first, mirroring DriverUnload's expectation that every vCPU has
// already executed turn-off-vm.
var errStillRunning = errors.New("hypervisor: still running, call Stop first")

// CPUFactory returns the hwabi.CPU collaborator bound to logical processor
// index cpu, so Initialize can construct one vCPU per CPU without this
// package knowing how raw per-CPU instruction execution is bound to a
// thread -- that binding is the driver shell's job (spec.md §1).
type CPUFactory func(cpu int) hwabi.CPU

// TrampolineAddress returns the VM-exit trampoline's physical address for
// logical processor index cpu. Like CPUFactory, the trampoline itself
// (literal assembly/register-layout surface) is out of this module's
// scope; the driver shell supplies its address per spec.md §4.7.
type TrampolineAddress func(cpu int) uintptr

// Hypervisor owns the shared MSR bitmap, the dynamic EPT, and one VCPU per
// logical processor, per spec.md §3's top-level data model.
type Hypervisor struct {
	broadcaster broadcast.Broadcaster

	msrBitmap *msrbitmap.Bitmap
	eptree    *ept.EPT

	vcpus []*vcpu.VCPU

	initialized bool
	running     bool
}

// New constructs an uninitialized Hypervisor backed by alloc for EPT node
// allocation and b for cross-CPU fan-out. Call Initialize before Start.
func New(alloc ept.PageAllocator, b broadcast.Broadcaster) *Hypervisor {
	return &Hypervisor{
		msrBitmap:   &msrbitmap.Bitmap{},
		eptree:      ept.New(alloc),
		broadcaster: b,
	}
}

// Initialize builds the MSR bitmap (left all-zero: spec.md §4.6 ships with
// no MSR traps), builds the dynamic EPT and runs the identity-map builder
// over [0, maxPhysicalAddress], then constructs and Inits one vCPU per
// logical processor, per spec.md §4.9. bootCPU selects which hwabi.CPU
// handle is used to query MTRR state (any logical processor's MTRRs apply
// uniformly once symmetric multiprocessing is assumed, matching
// original_source/siren-hv's single boot-CPU memory-type probe).
func (h *Hypervisor) Initialize(
	nCPUs int,
	bootCPU hwabi.CPU,
	maxPhysicalAddress uint64,
	msrBitmapAddress uint64,
	cpus CPUFactory,
	trampolines TrampolineAddress,
) error {
	if h.initialized {
		return nil
	}

	if err := h.eptree.Init(); err != nil {
		return fmt.Errorf("hypervisor: ept init: %w", err)
	}

	oracle, err := mtrr.New(bootCPU, maxPhysicalAddress)
	if err != nil {
		return fmt.Errorf("hypervisor: mtrr: %w", err)
	}

	if err := ept.BuildIdentityMap(h.eptree, oracle, maxPhysicalAddress); err != nil {
		return fmt.Errorf("hypervisor: identity map: %w", err)
	}

	eptRootPA := h.eptree.RootAddress()

	h.vcpus = make([]*vcpu.VCPU, nCPUs)

	for i := 0; i < nCPUs; i++ {
		v := vcpu.New(i, cpus(i))
		if err := v.Init(eptRootPA, msrBitmapAddress, trampolines(i)); err != nil {
			return fmt.Errorf("hypervisor: vcpu %d: %w", i, err)
		}

		h.vcpus[i] = v
	}

	h.initialized = true

	logrus.WithFields(logrus.Fields{"cpus": nCPUs, "ept_root": fmt.Sprintf("%#x", eptRootPA)}).
		Info("hypervisor: initialized")

	return nil
}

// MSRBitmap exposes the shared bitmap so the driver shell can program its
// physical address into each vCPU before Initialize, and so callers can
// punch individual MSR traps via msrbitmap.Bitmap.Set before Start.
func (h *Hypervisor) MSRBitmap() *msrbitmap.Bitmap { return h.msrBitmap }

// EPT exposes the dynamic tree for post-init mutation (the private siren
// hypercall's reserved EPT-commit/uncommit/flush ids, spec.md §4.10).
func (h *Hypervisor) EPT() *ept.EPT { return h.eptree }

// VCPU returns the vCPU bound to logical processor index i, or nil if
// Initialize has not yet run or the index is out of range.
func (h *Hypervisor) VCPU(i int) *vcpu.VCPU {
	if i < 0 || i >= len(h.vcpus) {
		return nil
	}

	return h.vcpus[i]
}

// Start broadcasts vcpu.Start across every logical processor (spec.md
// §4.9's "start(): broadcast vcpu_start() via IPI to all CPUs"). Returns
// the first per-CPU error encountered; other CPUs' vCPUs may have already
// launched.
func (h *Hypervisor) Start() error {
	if !h.initialized {
		return fmt.Errorf("hypervisor: start: %w", errNotInitialized)
	}

	if h.running {
		return nil
	}

	err := h.broadcaster.Broadcast(len(h.vcpus), func(cpu int) error {
		return h.vcpus[cpu].Start()
	})
	if err != nil {
		return fmt.Errorf("hypervisor: start: %w", err)
	}

	h.running = true

	return nil
}

// Stop broadcasts the turn-off-vm path across every logical processor via
// invoke, which must issue the private hypercall (or, in tests, a direct
// VMXOff) on the vCPU it is called with. Per spec.md §4.9's symmetric
// stop() sequencing.
func (h *Hypervisor) Stop(invoke func(v *vcpu.VCPU) error) error {
	if !h.running {
		return nil
	}

	err := h.broadcaster.Broadcast(len(h.vcpus), func(cpu int) error {
		return invoke(h.vcpus[cpu])
	})
	if err != nil {
		return fmt.Errorf("hypervisor: stop: %w", err)
	}

	h.running = false

	return nil
}

// Running reports whether Start has completed without an intervening Stop.
func (h *Hypervisor) Running() bool { return h.running }

// Close releases the Hypervisor's vCPU table, matching
// original_source/siren-hv/driver.cpp's DriverUnload: tear down once and
// propagate failure as a plain return value rather than panicking. Close
// refuses while any vCPU is still running -- the caller must Stop first.
func (h *Hypervisor) Close() error {
	if h.running {
		return fmt.Errorf("hypervisor: close: %w", errStillRunning)
	}

	h.vcpus = nil
	h.initialized = false

	return nil
}

// Device adapts a Hypervisor to hwabi.DeviceSurface, the minimal IRP
// surface original_source/siren-hv/driver_irp_handler.cpp exposes:
// IRP_MJ_CREATE/IRP_MJ_CLOSE always succeed, IRP_MJ_DEVICE_CONTROL always
// answers not-implemented (spec.md §6). It does not itself start or stop
// the wrapped Hypervisor; Create/Close here are the device-handle
// lifecycle, distinct from Hypervisor.Start/Stop/Close.
type Device struct {
	hv *Hypervisor
}

// NewDevice wraps hv as a hwabi.DeviceSurface.
func NewDevice(hv *Hypervisor) *Device { return &Device{hv: hv} }

func (*Device) Create() error { return nil }

func (*Device) Close() error { return nil }

func (*Device) DeviceControl(uint32, []byte) ([]byte, error) {
	return nil, hwabi.ErrNotImplemented
}

var _ hwabi.DeviceSurface = (*Device)(nil)
