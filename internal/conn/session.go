package conn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/ringroute/overlay/internal/wire"
)

// Session is one framed reliable-stream transport a Connection rides on —
// either a direct peer TCP session handed to us by the (out-of-scope) NAT
// traversal collaborator, or a slot in the shared relay pool. Wire framing
// itself is out of scope (SPEC_FULL.md §1); sessionConn below is a minimal
// newline-delimited-JSON framing used by the standalone wiring and tests,
// standing in for whatever the host application actually negotiates.
type Session interface {
	Send(d wire.TransDatagram) error
	Recv() (wire.TransDatagram, error)
	Close() error
	// Identity distinguishes sessions for split-horizon forwarding
	// (SPEC_FULL.md §4.3): two Sessions with the same Identity are
	// considered "the same link" for flood suppression purposes.
	Identity() string
}

// sessionConn is a Session backed by a net.Conn, framing TransDatagrams as
// newline-delimited JSON. It exists purely so the overlay core is
// runnable end-to-end without a real NAT-traversal/rendezvous stack.
type sessionConn struct {
	conn net.Conn
	id   string

	wmu sync.Mutex
	w   *bufio.Writer

	rmu sync.Mutex
	r   *bufio.Reader
}

// NewTCPSession wraps an already-connected net.Conn as a Session.
func NewTCPSession(c net.Conn) Session {
	return &sessionConn{
		conn: c,
		id:   c.RemoteAddr().String(),
		w:    bufio.NewWriter(c),
		r:    bufio.NewReader(c),
	}
}

func (s *sessionConn) Send(d wire.TransDatagram) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("conn: encode datagram: %w", err)
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("conn: write datagram: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("conn: write datagram: %w", err)
	}
	return s.w.Flush()
}

func (s *sessionConn) Recv() (wire.TransDatagram, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return wire.TransDatagram{}, fmt.Errorf("conn: read datagram: %w", err)
	}
	var d wire.TransDatagram
	if err := json.Unmarshal(line, &d); err != nil {
		return wire.TransDatagram{}, fmt.Errorf("conn: decode datagram: %w", err)
	}
	return d, nil
}

func (s *sessionConn) Close() error     { return s.conn.Close() }
func (s *sessionConn) Identity() string { return s.id }
