// Command overlayd runs the overlay network's client-side core: it links
// to every peer named in its config (directly or via a relay), forwards
// traffic hop by hop, and services any configured TCP proxy rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ringroute/overlay/internal/config"
	"github.com/ringroute/overlay/internal/conn"
	"github.com/ringroute/overlay/internal/partner"
	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/peertable"
	"github.com/ringroute/overlay/internal/proxy"
	"github.com/ringroute/overlay/internal/router"
)

func main() {
	configPath := flag.String("config", "data/overlayd.json", "path to the overlay daemon config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("overlayd: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	watcher, err := config.Watch(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	self, err := loadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Printf("overlayd: local peer id %s", self)

	r := router.New(self)
	peers := peertable.New()
	relayPool := conn.NewRelayPool()
	proxyMgr := proxy.NewManager(self, r)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen.Port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", cfg.Listen.Port, err)
	}
	defer ln.Close()
	log.Printf("overlayd: accepting direct connections on %s", ln.Addr())

	connectFn := makeConnectFunc(self, r, relayPool, cfg)
	sup := partner.New(peers, r, connectFn)
	sup.OnConnected(func(id peerid.ID) { log.Printf("overlayd: %s connected", id) })
	sup.OnDisconnected(func(id peerid.ID) { log.Printf("overlayd: %s disconnected", id) })

	go acceptLoop(ctx, ln, self, r)
	go r.Run(ctx)
	go sup.Run(ctx)
	go watchConfigChanges(ctx, watcher, peers, proxyMgr)

	applyProxyRules(cfg.Proxy, peers, proxyMgr)

	<-ctx.Done()
	log.Println("overlayd: shutting down")
	proxyMgr.Close()
	return nil
}

// acceptLoop accepts inbound direct P2P sessions and hands each one to
// acceptOne, which registers it with the Router under a placeholder peer
// id (see acceptOne).
func acceptLoop(ctx context.Context, ln net.Listener, self peerid.ID, r *router.Router) {
	for {
		tcpConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("overlayd: accept failed: %v", err)
				continue
			}
		}
		go acceptOne(ctx, tcpConn, self, r)
	}
}

func acceptOne(ctx context.Context, tcpConn net.Conn, self peerid.ID, r *router.Router) {
	// The remote peer id travels in the FirstHandshake datagram's Source,
	// but Connection does not surface it, so the link is registered under
	// a freshly minted random peer id and is never re-keyed to the real
	// one. In practice the rendezvous collaborator (out of scope) hands
	// each side the other's peer id before dialing, so callers normally
	// know `remote` up front; this fallback only matters for this
	// standalone entrypoint's direct testing path.
	remote := peerid.New()
	c, err := conn.AcceptP2P(ctx, self, remote, tcpConn, r.HandleInbound(tcpConn.RemoteAddr().String()))
	if err != nil {
		log.Printf("overlayd: accept handshake from %s failed: %v", tcpConn.RemoteAddr(), err)
		return
	}
	r.AddLink(remote, c)
}

// makeConnectFunc builds the Partner Supervisor's dial strategy: try a
// direct P2P connection first, falling back to the first configured relay
// endpoint if no direct endpoint is reachable.
func makeConnectFunc(self peerid.ID, r *router.Router, pool *conn.RelayPool, cfg config.Config) partner.ConnectFunc {
	return func(ctx context.Context, peer peerid.ID, endpoint peerid.Endpoint) (*conn.Connection, error) {
		if endpoint.IP != nil {
			c, err := conn.DialP2P(ctx, self, peer, endpoint, r.HandleInbound(endpoint.String()))
			if err == nil {
				return c, nil
			}
			log.Printf("overlayd: direct dial to %s failed, falling back to relay: %v", peer, err)
		}

		if len(cfg.Relay.Endpoints) == 0 {
			return nil, fmt.Errorf("no direct endpoint and no relay configured for %s", peer)
		}
		ep := cfg.Relay.Endpoints[0]
		relayEndpoint := conn.RelayEndpoint{Host: ep.Host, Port: ep.Port}
		return conn.DialRelay(ctx, pool, relayEndpoint, self, peer, self, cfg.Relay.RoomID, r.HandleInbound("relay:"+relayEndpoint.String()))
	}
}

// applyProxyRules opens each rule's local listener and makes sure its
// remote peer is in the peer table, so the Partner Supervisor starts
// trying to reach it (falling back to relay, since a proxy rule alone
// carries no direct endpoint — that comes from the rendezvous
// collaborator, out of scope here).
func applyProxyRules(rules []config.ProxyRule, peers peertable.Manager, mgr *proxy.Manager) {
	for _, rule := range rules {
		remote, err := peerid.Parse(rule.RemotePeer)
		if err != nil {
			log.Printf("overlayd: proxy rule for port %d has invalid remote_peer %q: %v", rule.LocalPort, rule.RemotePeer, err)
			continue
		}
		if _, ok := peers.Get(remote); !ok {
			peers.Upsert(remote, peerid.Endpoint{})
		}
		if _, err := mgr.Listen(rule.LocalPort, remote, rule.RemotePort); err != nil {
			log.Printf("overlayd: proxy rule for port %d failed: %v", rule.LocalPort, err)
		}
	}
}

// watchConfigChanges reapplies proxy rules whenever the config file is
// edited on disk.
func watchConfigChanges(ctx context.Context, w *config.Watcher, peers peertable.Manager, mgr *proxy.Manager) {
	sub := w.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			log.Println("overlayd: config reloaded")
			applyProxyRules(cfg.Proxy, peers, mgr)
		}
	}
}

// loadOrCreateIdentity reads the persisted peer id from path, or mints and
// persists a fresh one if the file doesn't exist yet.
func loadOrCreateIdentity(path string) (peerid.ID, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return peerid.Parse(string(b))
	}
	if !os.IsNotExist(err) {
		return peerid.None, err
	}

	id := peerid.New()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return peerid.None, err
		}
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return peerid.None, err
	}
	return id, nil
}
