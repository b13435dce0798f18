package vcpu_test

import (
	"testing"

	"github.com/sirenhv/sirenhv/hwabi"
	"github.com/sirenhv/sirenhv/hwabi/hwabitest"
	"github.com/sirenhv/sirenhv/vcpu"
)

func readyCPU() *hwabitest.CPU {
	cpu := hwabitest.New(0)
	cpu.HVPage = hwabi.HVHypercallPage{Enabled: true, PhysicalAddress: 0x1000}
	cpu.CR0, cpu.CR4 = 0x80000021, 0x2020
	cpu.VMXCaps.CR0Fixed1 = ^uint64(0)
	cpu.VMXCaps.CR4Fixed1 = ^uint64(0)

	return cpu
}

func TestInitFailsWithoutHypercallPage(t *testing.T) {
	cpu := hwabitest.New(0)
	v := vcpu.New(0, cpu)

	if err := v.Init(0, 0, 0x4000); err == nil {
		t.Fatalf("Init: got nil error, want failure when hypercall page disabled")
	}
}

func TestInitSucceedsAndStartLaunchesOnce(t *testing.T) {
	cpu := readyCPU()
	v := vcpu.New(0, cpu)

	if err := v.Init(0x9000, 0xA000, 0x4000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !v.Running() {
		t.Fatalf("Running() = false after Start")
	}

	if cpu.LaunchCount != 1 {
		t.Fatalf("LaunchCount = %d, want 1", cpu.LaunchCount)
	}

	if !cpu.VMXIsOn {
		t.Fatalf("VMXIsOn = false after Start")
	}
}

func TestDoubleStartIsNoOp(t *testing.T) {
	cpu := readyCPU()
	v := vcpu.New(0, cpu)

	if err := v.Init(0x9000, 0xA000, 0x4000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if cpu.LaunchCount != 1 {
		t.Fatalf("LaunchCount = %d, want 1 (double-start must not relaunch)", cpu.LaunchCount)
	}
}

func TestStopInvokesCallbackAndDoubleStopIsNoOp(t *testing.T) {
	cpu := readyCPU()
	v := vcpu.New(0, cpu)

	if err := v.Init(0x9000, 0xA000, 0x4000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	calls := 0
	stop := func() error { calls++; return nil }

	if err := v.Stop(stop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if v.Running() {
		t.Fatalf("Running() = true after Stop")
	}

	if err := v.Stop(stop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if calls != 1 {
		t.Fatalf("stop callback invoked %d times, want 1 (double-stop is a no-op)", calls)
	}
}

func TestEPTPointerEncodesWriteBack4LevelAccessedDirty(t *testing.T) {
	cpu := readyCPU()
	v := vcpu.New(0, cpu)

	const eptRoot = 0x1234_5000

	if err := v.Init(eptRoot, 0xA000, 0x4000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eptp := v.EVMCS().Controls.EPTPointer

	if eptp&0x7 != 6 {
		t.Fatalf("EPTP memory type = %d, want 6 (WB)", eptp&0x7)
	}

	if (eptp>>3)&0x7 != 3 {
		t.Fatalf("EPTP walk length field = %d, want 3 (4-level)", (eptp>>3)&0x7)
	}

	if eptp&(1<<6) == 0 {
		t.Fatalf("EPTP accessed/dirty bit not set")
	}

	if eptp&^0xFFF != eptRoot {
		t.Fatalf("EPTP root = %#x, want %#x", eptp&^0xFFF, eptRoot)
	}
}

func TestStartPublishesEnlightenedModeAndHints(t *testing.T) {
	cpu := readyCPU()
	v := vcpu.New(0, cpu)

	if err := v.Init(0x9000, 0xA000, 0x4000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if cpu.VPAssist.EnlightenVMEntry != 1 {
		t.Fatalf("VPAssist.EnlightenVMEntry = %d, want 1", cpu.VPAssist.EnlightenVMEntry)
	}

	if !cpu.VPAssist.NestedFlushVirtualHypercall {
		t.Fatalf("VPAssist.NestedFlushVirtualHypercall not set")
	}

	if v.EVMCS().MSHVEnlightenmentsControl&1 == 0 {
		t.Fatalf("eVMCS MSHVEnlightenmentsControl bit not set")
	}

	if cpu.VPAssist.CurrentNestedVMCS == 0 {
		t.Fatalf("VPAssist.CurrentNestedVMCS not set")
	}
}
