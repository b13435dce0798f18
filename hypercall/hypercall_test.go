package hypercall_test

import (
	"errors"
	"testing"

	"github.com/sirenhv/sirenhv/hypercall"
)

type fakeController struct {
	turnOffCalled bool
	turnOffErr    error
}

func (f *fakeController) TurnOff() error {
	f.turnOffCalled = true

	return f.turnOffErr
}

func TestEchoReturnsSRHV(t *testing.T) {
	res, err := hypercall.Dispatch(&fakeController{}, hypercall.Echo, hypercall.Args{})
	if err != nil {
		t.Fatalf("Dispatch(echo): %v", err)
	}

	if res.RAX != hypercall.EchoResult {
		t.Fatalf("RAX = %#x, want %#x", res.RAX, hypercall.EchoResult)
	}
}

func TestTurnOffVMInvokesController(t *testing.T) {
	ctrl := &fakeController{}

	if _, err := hypercall.Dispatch(ctrl, hypercall.TurnOffVM, hypercall.Args{}); err != nil {
		t.Fatalf("Dispatch(turn-off-vm): %v", err)
	}

	if !ctrl.turnOffCalled {
		t.Fatalf("TurnOff was not called")
	}
}

func TestTurnOffVMPropagatesControllerError(t *testing.T) {
	want := errors.New("vmxoff failed")
	ctrl := &fakeController{turnOffErr: want}

	_, err := hypercall.Dispatch(ctrl, hypercall.TurnOffVM, hypercall.Args{})
	if !errors.Is(err, want) {
		t.Fatalf("Dispatch err = %v, want wrapping %v", err, want)
	}
}

func TestReservedEPTFunctionsAreNotImplemented(t *testing.T) {
	ids := []hypercall.FunctionID{
		hypercall.EPTCommit1GiB, hypercall.EPTCommit2MiB, hypercall.EPTCommit4KiB,
		hypercall.EPTUncommit1GiB, hypercall.EPTUncommit2MiB, hypercall.EPTUncommit4KiB,
		hypercall.EPTFlush,
	}

	for _, id := range ids {
		if _, err := hypercall.Dispatch(&fakeController{}, id, hypercall.Args{}); !errors.Is(err, hypercall.ErrNotImplemented) {
			t.Fatalf("Dispatch(id=%d) err = %v, want ErrNotImplemented", id, err)
		}
	}
}

func TestUnknownFunctionIDIsNotImplemented(t *testing.T) {
	if _, err := hypercall.Dispatch(&fakeController{}, hypercall.FunctionID(99), hypercall.Args{}); !errors.Is(err, hypercall.ErrNotImplemented) {
		t.Fatalf("Dispatch(unknown) err = %v, want ErrNotImplemented", err)
	}
}
