package util

import (
	"sync"
	"time"
)

// Window is the fixed-capacity sliding-window generalization of RingBuffer:
// instead of overwriting the oldest slot on wraparound, it tracks which
// slots have been acknowledged and only lets the consumer (ack-advance)
// side move the tail forward past a contiguous acknowledged prefix.
//
// Capacity must be a power of two so seq%capacity reduces to a bitmask,
// same constraint RingBuffer's caller-chosen capacity never enforced
// because overwrite semantics didn't need it.
type Window struct {
	mu sync.Mutex

	capacity uint16
	mask     uint16

	payload []any
	acked   []bool
	sentAt  []time.Time

	sendPointer uint16 // next seq to assign
	ackPointer  uint16 // oldest unacknowledged seq

	lastAckTime time.Time
}

// NewWindow creates a Window of the given capacity (must be a power of two).
func NewWindow(capacity uint16) *Window {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("util: window capacity must be a power of two")
	}
	return &Window{
		capacity: capacity,
		mask:     capacity - 1,
		payload:  make([]any, capacity),
		acked:    make([]bool, capacity),
		sentAt:   make([]time.Time, capacity),
	}
}

// Allocate assigns the next send sequence number, stores the value the
// caller will retransmit from, and marks the slot unacknowledged.
func (w *Window) Allocate(value any) (seq uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq = w.sendPointer
	idx := seq & w.mask
	w.payload[idx] = value
	w.acked[idx] = false
	w.sentAt[idx] = time.Now()
	w.sendPointer++
	return seq
}

// Ack marks seq acknowledged and advances ackPointer through the
// contiguous prefix of now-acknowledged slots. Returns whether seq was a
// live, previously-unacknowledged slot in [ackPointer, sendPointer), and
// the observed round-trip time for that slot (zero if not new).
func (w *Window) Ack(seq uint16) (isNew bool, rtt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inFlightLocked(seq) {
		return false, 0
	}
	idx := seq & w.mask
	wasAcked := w.acked[idx]
	now := time.Now()
	if !wasAcked {
		rtt = now.Sub(w.sentAt[idx])
	}
	w.acked[idx] = true
	w.lastAckTime = now

	for w.ackPointer != w.sendPointer && w.acked[w.ackPointer&w.mask] {
		w.acked[w.ackPointer&w.mask] = false
		w.payload[w.ackPointer&w.mask] = nil
		w.ackPointer++
	}
	return !wasAcked, rtt
}

// inFlightLocked reports whether seq lies in [ackPointer, sendPointer),
// using uint16 wraparound subtraction so the check holds across the seq
// space's modular boundary.
func (w *Window) inFlightLocked(seq uint16) bool {
	span := w.sendPointer - w.ackPointer
	offset := seq - w.ackPointer
	return offset < span
}

// Drained reports whether every allocated slot has been acknowledged.
func (w *Window) Drained() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ackPointer == w.sendPointer
}

// Pointers returns the current (sendPointer, ackPointer) pair, mostly for
// tests asserting the invariants in SPEC_FULL.md §8.
func (w *Window) Pointers() (send, ack uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendPointer, w.ackPointer
}

// StaleEntry is one in-flight slot whose age exceeds the caller's bound.
type StaleEntry struct {
	Seq     uint16
	Payload any
}

// Stale returns every currently in-flight slot last sent more than
// `age` ago, for the Connection's retransmit sweep (SPEC_FULL.md §4.4).
func (w *Window) Stale(age time.Duration) []StaleEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []StaleEntry
	now := time.Now()
	for seq := w.ackPointer; seq != w.sendPointer; seq++ {
		idx := seq & w.mask
		if w.acked[idx] {
			continue
		}
		if now.Sub(w.sentAt[idx]) >= age {
			out = append(out, StaleEntry{Seq: seq, Payload: w.payload[idx]})
		}
	}
	return out
}

// Touch resets a slot's sentAt, used after a retransmit so the next sweep
// doesn't immediately re-fire on the same slot.
func (w *Window) Touch(seq uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := seq & w.mask
	if w.acked[idx] {
		return
	}
	w.sentAt[idx] = time.Now()
}

// LastAckTime returns the last time any Ack call advanced liveness.
func (w *Window) LastAckTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAckTime
}
