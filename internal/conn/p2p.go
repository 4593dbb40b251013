package conn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ringroute/overlay/internal/peerid"
)

// DialTimeout bounds establishing the TCP session a P2P Connection rides
// on. NAT traversal itself is out of scope (SPEC_FULL.md §1) — by the time
// this runs, the remote endpoint is assumed reachable directly.
const DialTimeout = 5 * time.Second

// DialP2P establishes a direct peer Connection by dialing the peer's
// reported endpoint and running the SYN/ACK handshake as the initiator.
// It spawns the connection's receive loop under ctx and returns once the
// handshake has been sent (not necessarily completed — callers that need
// to block for Connected should poll State()).
func DialP2P(ctx context.Context, self, remote peerid.ID, endpoint peerid.Endpoint, onMessage func([]byte)) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	tcpConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", endpoint, err)
	}

	c := New(self, remote, onMessage)
	if err := c.Attach(NewTCPSession(tcpConn), true); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("conn: handshake with %s: %w", remote, err)
	}
	go c.Run(ctx)
	return c, nil
}

// AcceptP2P wraps an inbound TCP session as a direct peer Connection,
// acting as the handshake responder.
func AcceptP2P(ctx context.Context, self, remote peerid.ID, tcpConn net.Conn, onMessage func([]byte)) (*Connection, error) {
	c := New(self, remote, onMessage)
	if err := c.Attach(NewTCPSession(tcpConn), false); err != nil {
		return nil, fmt.Errorf("conn: accept from %s: %w", remote, err)
	}
	go c.Run(ctx)
	return c, nil
}
