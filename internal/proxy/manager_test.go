package proxy

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ringroute/overlay/internal/conn"
	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/router"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startEchoServer accepts one connection and echoes whatever it reads back
// verbatim, standing in for the service a proxy rule tunnels to.
func startEchoServer(t *testing.T, port int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("startEchoServer: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if _, werr := c.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

// linkedRouters wires two Routers together over an in-memory net.Pipe and
// returns them already handshaked and registered, ready for
// NewManager to attach its "proxy" handler to each side.
func linkedRouters(t *testing.T, ctx context.Context) (selfA, selfB peerid.ID, routerA, routerB *router.Router) {
	t.Helper()

	selfA, selfB = peerid.New(), peerid.New()
	routerA = router.New(selfA)
	routerB = router.New(selfB)

	pipeA, pipeB := net.Pipe()
	sessionA, sessionB := conn.NewTCPSession(pipeA), conn.NewTCPSession(pipeB)
	connAtoB := conn.New(selfA, selfB, routerA.HandleInbound(sessionA.Identity()))
	connBtoA := conn.New(selfB, selfA, routerB.HandleInbound(sessionB.Identity()))

	if err := connBtoA.Attach(sessionB, false); err != nil {
		t.Fatalf("b Attach: %v", err)
	}
	go connBtoA.Run(ctx)

	if err := connAtoB.Attach(sessionA, true); err != nil {
		t.Fatalf("a Attach: %v", err)
	}
	go connAtoB.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if connAtoB.State() == conn.Connected && connBtoA.State() == conn.Connected {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if connAtoB.State() != conn.Connected || connBtoA.State() != conn.Connected {
		t.Fatal("routers' underlying connections never reached Connected")
	}

	routerA.AddLink(selfB, connAtoB)
	routerB.AddLink(selfA, connBtoA)
	return selfA, selfB, routerA, routerB
}

func TestProxyTunnelsBothDirections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selfA, selfB, routerA, routerB := linkedRouters(t, ctx)

	mgrA := NewManager(selfA, routerA)
	mgrB := NewManager(selfB, routerB)
	defer mgrA.Close()
	defer mgrB.Close()

	echoPort := freePort(t)
	echoLn := startEchoServer(t, echoPort)
	defer echoLn.Close()

	localPort := freePort(t)
	if _, err := mgrA.Listen(uint16(localPort), selfB, uint16(echoPort)); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(localPort), 2*time.Second)
	if err != nil {
		t.Fatalf("dial local proxy port: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write to tunnel: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read echoed reply: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("echoed payload = %q, want %q", buf[:n], "ping")
	}
}

func TestDuplicateTunnelIDReplacesIncumbent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selfA, selfB, routerA, routerB := linkedRouters(t, ctx)
	mgrA := NewManager(selfA, routerA)
	mgrB := NewManager(selfB, routerB)
	defer mgrA.Close()
	defer mgrB.Close()

	echoPort := freePort(t)
	echoLn := startEchoServer(t, echoPort)
	defer echoLn.Close()

	tunnelID := peerid.New()
	incumbentLocal, incumbentRemote := net.Pipe()
	defer incumbentRemote.Close()

	incumbent := newPair(tunnelID, selfA, incumbentLocal, mgrB)
	mgrB.mu.Lock()
	mgrB.pairs[tunnelID] = incumbent
	mgrB.mu.Unlock()

	// handleConnect dials its own connection to the echo server for the
	// new arrival; per SPEC_FULL.md §7 ("Duplicate tunnel | Proxy Manager |
	// Dispose and replace the prior pair") the incumbent must be disposed
	// and the new pair installed in its place.
	mgrB.handleConnect(selfA, frame{Kind: frameConnect, TunnelID: tunnelID, Port: uint16(echoPort)})

	mgrB.mu.Lock()
	got := mgrB.pairs[tunnelID]
	mgrB.mu.Unlock()
	if got == incumbent {
		t.Fatal("a duplicate tunnel id must replace the incumbent pair, not keep it")
	}
	if got == nil {
		t.Fatal("the new pair should have been installed")
	}

	// The incumbent's local socket must have been closed as part of disposal.
	incumbentLocal.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := incumbentLocal.Read(buf); err == nil {
		t.Fatal("incumbent's local socket should be closed after disposal")
	}
}
