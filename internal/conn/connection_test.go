package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/wire"
)

// newHandshakedPair builds two Connections wired over an in-memory net.Pipe,
// carries out the SYN handshake, and returns both once each side reports
// Connected. It mirrors how cmd/overlayd wires a real TCP session, minus
// the network.
func newHandshakedPair(t *testing.T, ctx context.Context, onMessageA, onMessageB func([]byte)) (a, b *Connection) {
	t.Helper()

	pipeA, pipeB := net.Pipe()
	selfA, selfB := peerid.New(), peerid.New()

	a = New(selfA, selfB, onMessageA)
	b = New(selfB, selfA, onMessageB)

	if err := b.Attach(NewTCPSession(pipeB), false); err != nil {
		t.Fatalf("b.Attach: %v", err)
	}
	go b.Run(ctx)

	if err := a.Attach(NewTCPSession(pipeA), true); err != nil {
		t.Fatalf("a.Attach: %v", err)
	}
	go a.Run(ctx)

	waitForState(t, a, Connected)
	waitForState(t, b, Connected)
	return a, b
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection did not reach state %s in time (at %s)", want, c.State())
}

func TestHandshakeReachesConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newHandshakedPair(t, ctx, func([]byte) {}, func([]byte) {})
	defer a.Close()
	defer b.Close()
}

func TestSendDeliversPayloadAndDrainsWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	a, b := newHandshakedPair(t, ctx, func([]byte) {}, func(p []byte) { received <- p })
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got payload %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for b to receive the payload")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !a.Drained() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !a.Drained() {
		t.Fatal("a's send window should drain once b's ACK is processed")
	}
}

func TestSendBeforeConnectedFails(t *testing.T) {
	c := New(peerid.New(), peerid.New(), func([]byte) {})
	if err := c.Send([]byte("too early")); err != ErrNotConnected {
		t.Fatalf("Send before Attach = %v, want ErrNotConnected", err)
	}
}

func TestCloseIsIdempotentAndMarksDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newHandshakedPair(t, ctx, func([]byte) {}, func([]byte) {})
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should also succeed (idempotent): %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done() channel should be closed after Close")
	}
	if a.State() != Disconnected {
		t.Fatalf("State() after Close = %s, want disconnected", a.State())
	}
}

func TestDeliverFeedsAttachedSessionWithoutRun(t *testing.T) {
	pipeA, pipeB := net.Pipe()
	defer pipeA.Close()
	defer pipeB.Close()

	selfA, selfB := peerid.New(), peerid.New()
	received := make(chan []byte, 1)
	a := New(selfA, selfB, func(p []byte) { received <- p })

	sessionA := NewTCPSession(pipeA)
	if err := a.Attach(sessionA, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Rather than starting a's Run loop, pump inbound datagrams through
	// Deliver ourselves — this is exactly what the relay pool's demux does
	// for connections sharing one physical session (SPEC_FULL.md §4.5).
	go func() {
		for {
			d, err := sessionA.Recv()
			if err != nil {
				return
			}
			a.Deliver(d)
		}
	}()

	sessionB := NewTCPSession(pipeB)
	if err := sessionB.Send(wire.TransDatagram{
		Flag:        wire.FlagFirstHandshake,
		Source:      selfB,
		Destination: selfA,
	}); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	if _, err := sessionB.Recv(); err != nil { // a's SecondHandshake reply
		t.Fatalf("recv second handshake: %v", err)
	}

	if err := sessionB.Send(wire.TransDatagram{
		Flag:        wire.FlagSYN,
		Source:      selfB,
		Destination: selfA,
		Payload:     []byte("pushed"),
	}); err != nil {
		t.Fatalf("send syn: %v", err)
	}
	if _, err := sessionB.Recv(); err != nil { // the ACK
		t.Fatalf("recv ack: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "pushed" {
			t.Fatalf("got %q, want %q", got, "pushed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Deliver-fed payload")
	}
}
