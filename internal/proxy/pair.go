package proxy

import (
	"net"
	"sync"

	"github.com/ringroute/overlay/internal/peerid"
)

// bridgeBufferSize matches the teacher's relay-bridge sizing: default
// io.Copy's 32KB buffer is too small for bulk transfer over a tunnel with
// per-chunk framing overhead.
const bridgeBufferSize = 256 * 1024

// Pair bridges one local TCP socket to its remote counterpart, framing
// every chunk read locally as a "data" frame addressed to remote and
// writing every "data" frame addressed to this tunnel back to the socket.
type Pair struct {
	id     peerid.ID
	remote peerid.ID
	local  net.Conn

	manager   *Manager
	closeOnce sync.Once
}

func newPair(id, remote peerid.ID, local net.Conn, m *Manager) *Pair {
	return &Pair{id: id, remote: remote, local: local, manager: m}
}

// pumpLocalToRemote reads local until EOF or error, forwarding every
// non-empty read as a data frame, then tells the remote side to close.
func (p *Pair) pumpLocalToRemote() {
	buf := make([]byte, bridgeBufferSize)
	for {
		n, err := p.local.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := p.manager.sendFrame(p.remote, frame{Kind: frameData, TunnelID: p.id, Data: chunk}); sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	p.closeLocal()
	_ = p.manager.sendFrame(p.remote, frame{Kind: frameClose, TunnelID: p.id})
}

func (p *Pair) writeLocal(data []byte) {
	if _, err := p.local.Write(data); err != nil {
		p.closeLocal()
	}
}

func (p *Pair) closeLocal() {
	p.closeOnce.Do(func() {
		_ = p.local.Close()
		p.manager.mu.Lock()
		delete(p.manager.pairs, p.id)
		p.manager.mu.Unlock()
	})
}

// closeLocalLocked is closeLocal for callers that already hold
// p.manager.mu — used when disposing a prior pair being replaced by a
// duplicate tunnel id (SPEC_FULL.md §4.8 invariant: at most one ProxyPair
// per tunnel identifier).
func (p *Pair) closeLocalLocked() {
	p.closeOnce.Do(func() {
		_ = p.local.Close()
		delete(p.manager.pairs, p.id)
	})
}
