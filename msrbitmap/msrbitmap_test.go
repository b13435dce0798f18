package msrbitmap_test

import (
	"errors"
	"testing"

	"github.com/sirenhv/sirenhv/msrbitmap"
)

func TestZeroValueTrapsNothing(t *testing.T) {
	var b msrbitmap.Bitmap

	read, write, err := b.IsSet(0x174) // MSR_SYSENTER_CS, low range
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}

	if read || write {
		t.Fatalf("IsSet = (%v,%v), want (false,false)", read, write)
	}
}

func TestSetLowRangeRoundTrip(t *testing.T) {
	var b msrbitmap.Bitmap

	const addr = 0x174

	if err := b.Set(addr, true, false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	read, write, err := b.IsSet(addr)
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}

	if !read || write {
		t.Fatalf("IsSet = (%v,%v), want (true,false)", read, write)
	}
}

func TestSetHighRangeRoundTrip(t *testing.T) {
	var b msrbitmap.Bitmap

	const addr = 0xC000_0080 // MSR_EFER

	if err := b.Set(addr, true, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	read, write, err := b.IsSet(addr)
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}

	if !read || !write {
		t.Fatalf("IsSet = (%v,%v), want (true,true)", read, write)
	}
}

func TestSetOutOfRangeIsRejected(t *testing.T) {
	var b msrbitmap.Bitmap

	if err := b.Set(0x4000_0000, true, true); !errors.Is(err, msrbitmap.ErrInvalidArgument) {
		t.Fatalf("Set(out-of-range) err = %v, want ErrInvalidArgument", err)
	}

	if _, _, err := b.IsSet(0x4000_0000); !errors.Is(err, msrbitmap.ErrInvalidArgument) {
		t.Fatalf("IsSet(out-of-range) err = %v, want ErrInvalidArgument", err)
	}
}

func TestBytesLengthIsOnePage(t *testing.T) {
	var b msrbitmap.Bitmap

	if got := len(b.Bytes()); got != msrbitmap.Size || msrbitmap.Size != 4096 {
		t.Fatalf("len(Bytes()) = %d, want 4096", got)
	}
}

func TestSetLowWritePlacesBitInThirdQuarter(t *testing.T) {
	var b msrbitmap.Bitmap

	const addr = 0x10 // bit 0x10 of the low range

	if err := b.Set(addr, false, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	page := b.Bytes()

	const quarterSize = 1024
	if page[addr/8] != 0 || page[quarterSize+addr/8] != 0 {
		t.Fatalf("low-read write set an unexpected quarter: page[%d]=%#x page[%d]=%#x",
			addr/8, page[addr/8], quarterSize+addr/8, page[quarterSize+addr/8])
	}

	if page[2*quarterSize+addr/8]&(1<<(addr%8)) == 0 {
		t.Fatalf("low-range write bit not set in write_low quarter (offset %d)", 2*quarterSize+addr/8)
	}
}

func TestSetHighReadPlacesBitInSecondQuarter(t *testing.T) {
	var b msrbitmap.Bitmap

	const addr = 0xC000_0080 // MSR_EFER, bit 0x80 of the high range

	if err := b.Set(addr, true, false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	page := b.Bytes()

	const quarterSize = 1024
	bit := uint(addr - 0xC000_0000)

	if page[quarterSize+bit/8]&(1<<(bit%8)) == 0 {
		t.Fatalf("high-range read bit not set in read_high quarter (offset %d)", quarterSize+bit/8)
	}

	if page[3*quarterSize+bit/8] != 0 {
		t.Fatalf("high-range read unexpectedly set write_high quarter: page[%d]=%#x", 3*quarterSize+bit/8, page[3*quarterSize+bit/8])
	}
}

func TestClearingReadLeavesWriteIntact(t *testing.T) {
	var b msrbitmap.Bitmap

	const addr = 0x10

	if err := b.Set(addr, true, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := b.Set(addr, false, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	read, write, err := b.IsSet(addr)
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}

	if read || !write {
		t.Fatalf("IsSet = (%v,%v), want (false,true)", read, write)
	}
}
