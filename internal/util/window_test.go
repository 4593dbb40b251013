package util

import (
	"testing"
	"time"

	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func TestWindowAllocateAckAdvancesPointer(t *testing.T) {
	w := NewWindow(4)

	seq0 := w.Allocate("a")
	seq1 := w.Allocate("b")

	if send, ack := w.Pointers(); send != 2 || ack != 0 {
		t.Fatalf("after 2 allocations got send=%d ack=%d, want send=2 ack=0", send, ack)
	}

	isNew, _ := w.Ack(seq0)
	if !isNew {
		t.Fatal("first ack of seq0 should be new")
	}
	if _, ack := w.Pointers(); ack != 1 {
		t.Fatalf("ack pointer should advance past seq0, got %d", ack)
	}

	isNew, _ = w.Ack(seq0)
	if isNew {
		t.Fatal("re-acking seq0 should not be new")
	}

	isNew, _ = w.Ack(seq1)
	if !isNew {
		t.Fatal("first ack of seq1 should be new")
	}
	if !w.Drained() {
		t.Fatal("window should be drained once every allocated slot is acked")
	}
}

func TestWindowAckOutOfRangeIsNotNew(t *testing.T) {
	w := NewWindow(4)
	w.Allocate("a")

	isNew, rtt := w.Ack(99)
	if isNew {
		t.Fatal("acking a seq never allocated must not be new")
	}
	if rtt != 0 {
		t.Fatalf("rtt should be zero for an unknown ack, got %v", rtt)
	}
}

func TestWindowStaleReportsOnlyAgedUnacked(t *testing.T) {
	w := NewWindow(4)
	seq0 := w.Allocate("old")
	w.Ack(seq0)
	seq1 := w.Allocate("fresh")

	stale := w.Stale(0)
	if len(stale) != 1 || stale[0].Seq != seq1 {
		t.Fatalf("expected only seq1 to be stale, got %+v", stale)
	}

	w.Touch(seq1)
	if stale := w.Stale(time.Hour); len(stale) != 0 {
		t.Fatalf("freshly touched slot should not report stale under a long bound, got %+v", stale)
	}
}

func TestNewWindowRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two capacity")
		}
	}()
	NewWindow(3)
}

// TestWindowAllocateAckProperty checks the invariants SPEC_FULL.md §8 calls
// out for the sliding window regardless of how allocations and acks
// interleave: the ack pointer never passes the send pointer, and acking
// every allocated slot always drains the window.
func TestWindowAllocateAckProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := NewWindow(16)
		n := rapid.IntRange(0, 64).Draw(rt, "n")

		var seqs []uint16
		for i := 0; i < n; i++ {
			seqs = append(seqs, w.Allocate(i))
			if send, ack := w.Pointers(); ack > send {
				rt.Fatalf("ack pointer %d passed send pointer %d", ack, send)
			}
		}

		order := rapid.Permutation(seqs).Draw(rt, "order")
		for _, seq := range order {
			w.Ack(seq)
			if send, ack := w.Pointers(); ack > send {
				rt.Fatalf("ack pointer %d passed send pointer %d", ack, send)
			}
		}

		if n > 0 && !w.Drained() {
			rt.Fatal("acking every allocated slot must drain the window")
		}
	})
}
