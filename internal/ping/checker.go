// Package ping implements the overlay's round-trip probe: a single
// request/response exchange over a Connection, used by the Router's link
// sweep and the Partner Supervisor's reconnect loop to measure latency.
package ping

import (
	"context"
	"sync"
	"time"

	"github.com/ringroute/overlay/internal/wire"
)

// DefaultTimeout is the probe deadline from SPEC_FULL.md §5.
const DefaultTimeout = 5 * time.Second

// Sender is the subset of Connection a Checker needs to fire a probe.
// Satisfied by *conn.Connection.
type Sender interface {
	SendRaw(payload []byte) (seq uint16, err error)
}

// Checker probes one link's round-trip time. Sequential use only — it
// serves one in-flight probe at a time, mirroring mq.Manager's single
// pending-ack-per-message-id discipline but narrowed to one slot since a
// Checker is meant to be held per-link, not shared.
type Checker struct {
	mu      sync.Mutex
	sender  Sender
	pending chan struct{}
	seq     uint16
}

// New creates a Checker bound to one link's Connection.
func New(sender Sender) *Checker {
	return &Checker{sender: sender}
}

// CheckPing sends a fresh probe and waits for the matching response. It
// returns wire.UintMax on timeout, matching the spec's sentinel for "link
// unreachable" rather than a Go error — callers treat both identically.
func (c *Checker) CheckPing(ctx context.Context) uint32 {
	c.mu.Lock()
	ackCh := make(chan struct{}, 1)
	c.pending = ackCh
	start := time.Now()
	seq, err := c.sender.SendRaw(nil)
	c.seq = seq
	c.mu.Unlock()

	if err != nil {
		return wire.UintMax
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	select {
	case <-ackCh:
		return uint32(time.Since(start).Milliseconds())
	case <-timeoutCtx.Done():
		return wire.UintMax
	}
}

// OnAck notifies the Checker that the link's Connection observed an ACK
// for seq. Connections call this for every inbound ACK; it is a no-op
// unless seq matches the Checker's current in-flight probe.
func (c *Checker) OnAck(seq uint16) {
	c.mu.Lock()
	pending := c.pending
	match := pending != nil && seq == c.seq
	if match {
		c.pending = nil
	}
	c.mu.Unlock()

	if match {
		select {
		case pending <- struct{}{}:
		default:
		}
	}
}
