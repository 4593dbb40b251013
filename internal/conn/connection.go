// Package conn implements the overlay's reliable, in-order message stream
// (SPEC_FULL.md §4.4) and its two transport flavors: a direct peer session
// (p2p.go) and a pooled, reference-counted relay session (relay.go,
// relaypool.go).
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/util"
	"github.com/ringroute/overlay/internal/wire"
)

// State is a Connection's handshake state machine position.
type State int

const (
	Disconnected State = iota
	Handshaking
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// retransmitSweepInterval and retransmitFloor bound the background
// unacked-SYN resend sweep (SPEC_FULL.md §4.4): every sweep resends each
// in-flight slot older than max(retransmitFloor, 3×smoothed RTT).
const (
	retransmitSweepInterval = time.Second
	retransmitFloor         = 500 * time.Millisecond
)

// ErrNotConnected is returned by Send when the underlying session isn't up;
// the caller drops the message and relies on the Partner Supervisor to
// reconnect (SPEC_FULL.md §7).
var ErrNotConnected = errors.New("conn: link not ready")

// Connection is the abstract reliable stream shared by P2P and Relay
// connections. It owns the send window and handshake state; concrete
// types supply the underlying Session.
type Connection struct {
	self, remote peerid.ID

	mu      sync.Mutex
	state   State
	session Session

	window *util.Window

	onMessage func(payload []byte)
	onAckSeq  func(seq uint16) // optional hook for ping.Checker.OnAck

	cancel context.CancelFunc
	wg     sync.WaitGroup

	initiator bool

	rttMu sync.Mutex
	rtt   time.Duration

	doneOnce sync.Once
	done     chan struct{}
}

// New creates a Connection in the Disconnected state. onMessage is invoked
// for every non-empty SYN payload received, in receive-arrival order
// (SPEC_FULL.md §4.4 ordering guarantee).
func New(self, remote peerid.ID, onMessage func(payload []byte)) *Connection {
	return &Connection{
		self:      self,
		remote:    remote,
		window:    util.NewWindow(wire.BufferLength),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed once the connection has transitioned to
// Disconnected, for callers (the Partner Supervisor) watching for drops.
func (c *Connection) Done() <-chan struct{} { return c.done }

// MarkDisconnected transitions the connection to Disconnected and closes
// Done, idempotently. The direct-session receive loop calls this itself on
// a read error; the relay pool's demultiplexer calls it on every
// Connection sharing a session that just failed.
func (c *Connection) MarkDisconnected() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		close(c.done)
	})
}

// OnAck registers a hook invoked for every inbound ACK's sequence number,
// used by ping.Checker to match its in-flight probe.
func (c *Connection) OnAck(fn func(seq uint16)) {
	c.mu.Lock()
	c.onAckSeq = fn
	c.mu.Unlock()
}

// State returns the connection's current handshake state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remote returns the peer this connection talks to.
func (c *Connection) Remote() peerid.ID { return c.remote }

// SessionIdentity returns the underlying session's Identity, or "" if no
// session is attached. The Router uses this for split-horizon link-state
// flooding (SPEC_FULL.md §4.3): a LinkState is never re-flooded back over
// the same link it arrived on.
func (c *Connection) SessionIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Identity()
}

// Attach binds a freshly established Session and drives the handshake.
// asInitiator selects which side sends FirstHandshake. The caller must
// start a receive loop (Run) for the connection to make progress.
func (c *Connection) Attach(session Session, asInitiator bool) error {
	c.mu.Lock()
	c.session = session
	c.state = Handshaking
	c.initiator = asInitiator
	c.mu.Unlock()

	if asInitiator {
		return session.Send(wire.TransDatagram{
			Flag:        wire.FlagFirstHandshake,
			Source:      c.self,
			Destination: c.remote,
		})
	}
	return nil
}

// Run drives the receive loop and retransmit sweep until ctx is cancelled
// or the session errors. It blocks; callers spawn it as a goroutine.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	session := c.session
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.retransmitLoop(ctx)
	}()

	for {
		d, err := session.Recv()
		if err != nil {
			c.MarkDisconnected()
			cancel()
			return
		}
		c.handle(d, session)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunRetransmitOnly drives only the retransmit sweep, for connections whose
// inbound side is fed by an external demultiplexer rather than a private
// Recv loop (the Relay Connection case — see relaypool.go's demux).
func (c *Connection) RunRetransmitOnly(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()
	c.retransmitLoop(ctx)
}

// Deliver feeds an externally-demultiplexed datagram into the handshake
// and ack machinery, for sessions that don't drive their own Recv loop.
func (c *Connection) Deliver(d wire.TransDatagram) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	c.handle(d, session)
}

// Close tears down the receive/retransmit loops and the underlying
// session.
func (c *Connection) Close() error {
	c.mu.Lock()
	session := c.session
	cancel := c.cancel
	c.session = nil
	c.mu.Unlock()

	c.MarkDisconnected()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if session != nil {
		return session.Close()
	}
	return nil
}

func (c *Connection) handle(d wire.TransDatagram, session Session) {
	switch {
	case d.Flag.Has(wire.FlagFirstHandshake):
		c.mu.Lock()
		c.state = Connected
		c.mu.Unlock()
		_ = session.Send(wire.TransDatagram{
			Flag:        wire.FlagSecondHandshake,
			Source:      c.self,
			Destination: c.remote,
		})

	case d.Flag.Has(wire.FlagSecondHandshake):
		c.mu.Lock()
		c.state = Connected
		c.mu.Unlock()

	case d.Flag.Has(wire.FlagSYN):
		if len(d.Payload) > 0 && c.onMessage != nil {
			c.onMessage(d.Payload)
		}
		if err := session.Send(wire.TransDatagram{
			Flag:        wire.FlagACK,
			Seq:         d.Seq,
			Source:      c.self,
			Destination: c.remote,
		}); err != nil {
			log.Printf("conn: ack write to %s failed: %v", c.remote, err)
		}

	case d.Flag.Has(wire.FlagACK):
		isNew, rtt := c.window.Ack(d.Seq)
		if isNew && rtt > 0 {
			c.updateRTT(rtt)
		}
		c.mu.Lock()
		hook := c.onAckSeq
		c.mu.Unlock()
		if hook != nil {
			hook(d.Seq)
		}
	}
}

// updateRTT folds a fresh round-trip sample into an exponential moving
// average, the same smoothing shape a TCP-style RTO estimator uses.
func (c *Connection) updateRTT(sample time.Duration) {
	const alpha = 0.25
	c.rttMu.Lock()
	if c.rtt == 0 {
		c.rtt = sample
	} else {
		c.rtt = time.Duration(float64(c.rtt)*(1-alpha) + float64(sample)*alpha)
	}
	c.rttMu.Unlock()
}

func (c *Connection) smoothedRTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.rtt
}

// SendRaw allocates the next window slot, transmits a SYN, and returns the
// assigned sequence number. A nil/empty payload is a bare probe (used by
// ping.Checker) — the peer still ACKs it but never dispatches it upward.
func (c *Connection) SendRaw(payload []byte) (uint16, error) {
	c.mu.Lock()
	session := c.session
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || session == nil {
		return 0, ErrNotConnected
	}

	seq := c.window.Allocate(payload)
	d := wire.TransDatagram{
		Flag:        wire.FlagSYN,
		Seq:         seq,
		Source:      c.self,
		Destination: c.remote,
		Payload:     payload,
	}
	if err := session.Send(d); err != nil {
		return seq, fmt.Errorf("conn: send to %s: %w", c.remote, err)
	}
	return seq, nil
}

// Send is the upper-layer entry point for application messages.
func (c *Connection) Send(payload []byte) error {
	_, err := c.SendRaw(payload)
	return err
}

// Drained reports whether every sent message has been acknowledged —
// ackPointer == sendPointer, the invariant asserted in SPEC_FULL.md §8.
func (c *Connection) Drained() bool { return c.window.Drained() }

func (c *Connection) retransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(retransmitSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		session := c.session
		connected := c.state == Connected
		c.mu.Unlock()
		if !connected || session == nil {
			continue
		}

		bound := c.smoothedRTT() * 3
		if bound < retransmitFloor {
			bound = retransmitFloor
		}
		for _, stale := range c.window.Stale(bound) {
			payload, _ := stale.Payload.([]byte)
			d := wire.TransDatagram{
				Flag:        wire.FlagSYN,
				Seq:         stale.Seq,
				Source:      c.self,
				Destination: c.remote,
				Payload:     payload,
			}
			if err := session.Send(d); err != nil {
				log.Printf("conn: retransmit to %s failed: %v", c.remote, err)
				continue
			}
			c.window.Touch(stale.Seq)
		}
	}
}
