package proxy

import (
	"log"
	"net"

	"github.com/ringroute/overlay/internal/peerid"
)

// Acceptor is one local TCP listener whose accepted connections are each
// tunneled to remotePeer, which dials 127.0.0.1:remotePort on our behalf.
type Acceptor struct {
	listener   net.Listener
	localPort  uint16
	remotePeer peerid.ID
	remotePort uint16
	manager    *Manager
}

// LocalPort is the port this acceptor is listening on.
func (a *Acceptor) LocalPort() uint16 { return a.localPort }

// Close stops accepting new connections; tunnels already open are left to
// drain on their own.
func (a *Acceptor) Close() error { return a.listener.Close() }

func (a *Acceptor) run() {
	for {
		c, err := a.listener.Accept()
		if err != nil {
			return // listener closed
		}
		a.openTunnel(c)
	}
}

func (a *Acceptor) openTunnel(c net.Conn) {
	tunnelID := peerid.New()
	a.manager.pending.Set(tunnelID, c, orphanSocketTTL)

	if err := a.manager.sendFrame(a.remotePeer, frame{Kind: frameConnect, TunnelID: tunnelID, Port: a.remotePort}); err != nil {
		log.Printf("proxy: request tunnel to %s port %d failed: %v", a.remotePeer, a.remotePort, err)
		a.manager.pending.Delete(tunnelID)
		_ = c.Close()
	}
}
