// Package proxy implements TCP port-forwarding over the overlay: a local
// Acceptor accepts plain TCP connections and tunnels each one, bytes
// framed as "proxy" application messages routed through the Router, to a
// listener the remote peer dials on our behalf (SPEC_FULL.md §4.7/§4.8
// proxy subsystem).
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/router"
)

// msgType is the Router application-message type this package owns.
const msgType = "proxy"

// orphanSocketTTL bounds how long an outbound tunnel waits for its connect
// to be accepted or rejected before the dialing side gives up and disposes
// of the accepted socket.
const orphanSocketTTL = 30 * time.Second

type frameKind string

const (
	frameConnect frameKind = "connect"
	frameAccept  frameKind = "accept"
	frameReject  frameKind = "reject"
	frameData    frameKind = "data"
	frameClose   frameKind = "close"
)

// frame is the proxy subsystem's own application-level envelope, carried
// opaquely inside a Router P2PPacket payload.
type frame struct {
	Kind     frameKind `json:"kind"`
	TunnelID peerid.ID `json:"tunnelId"`
	Port     uint16    `json:"port,omitempty"`
	Data     []byte    `json:"data,omitempty"`
}

// Manager owns every local Acceptor and every live tunnel Pair, and is the
// single registered handler for the Router's "proxy" message type.
type Manager struct {
	self peerid.ID
	r    *router.Router

	mu        sync.Mutex
	acceptors map[uint16]*Acceptor
	pairs     map[peerid.ID]*Pair

	pending *ttlcache.Cache[peerid.ID, net.Conn]
}

// NewManager creates a Manager bound to self's Router and starts the
// pending-tunnel TTL sweep.
func NewManager(self peerid.ID, r *router.Router) *Manager {
	m := &Manager{
		self:      self,
		r:         r,
		acceptors: make(map[uint16]*Acceptor),
		pairs:     make(map[peerid.ID]*Pair),
		pending:   ttlcache.New[peerid.ID, net.Conn](ttlcache.WithTTL[peerid.ID, net.Conn](orphanSocketTTL)),
	}
	m.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[peerid.ID, net.Conn]) {
		if reason == ttlcache.EvictionReasonExpired {
			log.Printf("proxy: tunnel %s got no reply within %s: closing its accepted socket", item.Key(), orphanSocketTTL)
			_ = item.Value().Close()
		}
	})
	go m.pending.Start()

	if !r.RegisterHandler(msgType, m.handleFrame) {
		// Another subsystem already claimed "proxy" — a configuration bug,
		// not something retrying helps with.
		panic("proxy: msgType \"proxy\" already registered on this Router")
	}
	return m
}

// Listen opens a local TCP listener on localPort; every connection
// accepted on it is tunneled to remotePeer, which dials 127.0.0.1:remotePort
// on our behalf and bridges the two sockets byte for byte.
func (m *Manager) Listen(localPort uint16, remotePeer peerid.ID, remotePort uint16) (*Acceptor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("proxy: listen on %d: %w", localPort, err)
	}
	a := &Acceptor{
		listener:   ln,
		localPort:  localPort,
		remotePeer: remotePeer,
		remotePort: remotePort,
		manager:    m,
	}

	m.mu.Lock()
	m.acceptors[localPort] = a
	m.mu.Unlock()

	go a.run()
	return a, nil
}

// CloseListener stops accepting on localPort, if a Listen call opened it.
func (m *Manager) CloseListener(localPort uint16) error {
	m.mu.Lock()
	a, ok := m.acceptors[localPort]
	delete(m.acceptors, localPort)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

// Close tears down every acceptor and live tunnel.
func (m *Manager) Close() {
	m.mu.Lock()
	acceptors := make([]*Acceptor, 0, len(m.acceptors))
	for _, a := range m.acceptors {
		acceptors = append(acceptors, a)
	}
	pairs := make([]*Pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		pairs = append(pairs, p)
	}
	m.mu.Unlock()

	for _, a := range acceptors {
		_ = a.Close()
	}
	for _, p := range pairs {
		p.closeLocal()
	}
	m.pending.DeleteAll()
	m.pending.Stop()
}

func (m *Manager) sendFrame(to peerid.ID, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("proxy: encode frame: %w", err)
	}
	return m.r.Send(to, msgType, b)
}

// handleFrame is the Router's registered callback for every inbound
// "proxy" application message.
func (m *Manager) handleFrame(from peerid.ID, payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return
	}

	switch f.Kind {
	case frameConnect:
		m.handleConnect(from, f)
	case frameAccept:
		m.handleAccept(from, f)
	case frameReject:
		m.handleReject(f)
	case frameData:
		m.handleData(f)
	case frameClose:
		m.handleClose(f)
	}
}

func (m *Manager) handleConnect(from peerid.ID, f frame) {
	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", f.Port), 5*time.Second)
	if err != nil {
		_ = m.sendFrame(from, frame{Kind: frameReject, TunnelID: f.TunnelID})
		return
	}

	pair := newPair(f.TunnelID, from, local, m)
	m.mu.Lock()
	if prior, dup := m.pairs[f.TunnelID]; dup {
		log.Printf("proxy: duplicate tunnel id %s: disposing prior pair", f.TunnelID)
		prior.closeLocalLocked()
	}
	m.pairs[f.TunnelID] = pair
	m.mu.Unlock()

	if err := m.sendFrame(from, frame{Kind: frameAccept, TunnelID: f.TunnelID}); err != nil {
		pair.closeLocal()
		return
	}
	go pair.pumpLocalToRemote()
}

func (m *Manager) handleAccept(from peerid.ID, f frame) {
	item := m.pending.Get(f.TunnelID)
	if item == nil {
		log.Printf("proxy: accept for unknown or expired tunnel %s: dropping response", f.TunnelID)
		return
	}
	local := item.Value()
	m.pending.Delete(f.TunnelID)

	pair := newPair(f.TunnelID, from, local, m)
	m.mu.Lock()
	if prior, dup := m.pairs[f.TunnelID]; dup {
		log.Printf("proxy: duplicate tunnel id %s: disposing prior pair", f.TunnelID)
		prior.closeLocalLocked()
	}
	m.pairs[f.TunnelID] = pair
	m.mu.Unlock()

	go pair.pumpLocalToRemote()
}

func (m *Manager) handleReject(f frame) {
	item := m.pending.Get(f.TunnelID)
	if item == nil {
		return
	}
	_ = item.Value().Close()
	m.pending.Delete(f.TunnelID)
}

func (m *Manager) handleData(f frame) {
	m.mu.Lock()
	pair, ok := m.pairs[f.TunnelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	pair.writeLocal(f.Data)
}

func (m *Manager) handleClose(f frame) {
	m.mu.Lock()
	pair, ok := m.pairs[f.TunnelID]
	m.mu.Unlock()
	if ok {
		pair.closeLocal()
	}
}
