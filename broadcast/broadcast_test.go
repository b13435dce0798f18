package broadcast_test

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/sirenhv/sirenhv/broadcast"
)

func TestBroadcastRunsOncePerCPU(t *testing.T) {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4 // keep the test fast and independent of the host's core count
	}

	var count int32

	var b broadcast.AffinityBroadcaster

	err := b.Broadcast(n, func(cpu int) error {
		atomic.AddInt32(&count, 1)

		return nil
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if int(count) != n {
		t.Fatalf("count = %d, want %d", count, n)
	}
}

func TestBroadcastPropagatesFirstError(t *testing.T) {
	want := errors.New("boom")

	var b broadcast.AffinityBroadcaster

	err := b.Broadcast(2, func(cpu int) error {
		if cpu == 1 {
			return want
		}

		return nil
	})

	if err == nil {
		t.Fatalf("Broadcast: got nil error, want non-nil")
	}

	if !errors.Is(err, want) {
		t.Fatalf("Broadcast err = %v, want wrapping %v", err, want)
	}
}
