package evmcs_test

import (
	"testing"

	"github.com/sirenhv/sirenhv/evmcs"
)

func TestForceFullReloadZeroesCleanFields(t *testing.T) {
	r := evmcs.Region{CleanFields: evmcs.CleanFieldsAllClean}

	r.ForceFullReload()

	if r.CleanFields != evmcs.CleanFieldsAllDirty {
		t.Fatalf("CleanFields = %#x, want all-dirty", r.CleanFields)
	}
}

func TestSetCR4UpdatesReadShadowAndClearsCRDR(t *testing.T) {
	r := evmcs.Region{CleanFields: evmcs.CleanFieldsAllClean}

	r.SetCR4(0x2000)

	if r.Guest.CR4 != 0x2000 || r.Controls.CR4ReadShadow != 0x2000 {
		t.Fatalf("CR4/shadow = %#x/%#x, want both 0x2000", r.Guest.CR4, r.Controls.CR4ReadShadow)
	}

	if r.CleanFields&evmcs.CleanCRDR != 0 {
		t.Fatalf("CleanCRDR still set after SetCR4")
	}
}

func TestSetGuestRIPRSPFlagsAlwaysUpdatesRIP(t *testing.T) {
	r := evmcs.Region{CleanFields: evmcs.CleanFieldsAllClean}
	r.Guest.RSP = 0x1000
	r.Guest.RFLAGS = 0x2

	r.SetGuestRIPRSPFlags(0xDEAD, 0x1000, 0x2)

	if r.Guest.RIP != 0xDEAD {
		t.Fatalf("RIP = %#x, want 0xDEAD", r.Guest.RIP)
	}

	// RSP/RFLAGS unchanged, so CleanGuestBasic must still be set.
	if r.CleanFields&evmcs.CleanGuestBasic == 0 {
		t.Fatalf("CleanGuestBasic cleared despite no RSP/RFLAGS change")
	}
}

func TestSetGuestRIPRSPFlagsClearsGuestBasicOnChange(t *testing.T) {
	r := evmcs.Region{CleanFields: evmcs.CleanFieldsAllClean}
	r.Guest.RSP = 0x1000
	r.Guest.RFLAGS = 0x2

	r.SetGuestRIPRSPFlags(0xDEAD, 0x2000, 0x2)

	if r.Guest.RSP != 0x2000 {
		t.Fatalf("RSP = %#x, want 0x2000", r.Guest.RSP)
	}

	if r.CleanFields&evmcs.CleanGuestBasic != 0 {
		t.Fatalf("CleanGuestBasic still set after RSP change")
	}
}
