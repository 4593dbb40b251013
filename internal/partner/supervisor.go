// Package partner keeps every known peer linked: it watches the peer
// table, dials (or redials) whoever has dropped, and records the outcome
// back into reachability state and latency (SPEC_FULL.md §4.6/§7).
package partner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ringroute/overlay/internal/conn"
	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/peertable"
	"github.com/ringroute/overlay/internal/ping"
	"github.com/ringroute/overlay/internal/router"
	"github.com/ringroute/overlay/internal/wire"
)

// ReconnectInterval is how often the Supervisor re-checks a peer that
// isn't currently linked.
const ReconnectInterval = 10 * time.Second

// ConnectFunc dials peer by whatever transport the caller prefers (direct
// P2P first, relay as fallback — that policy lives in cmd/overlayd, not
// here, so this package stays transport-agnostic).
type ConnectFunc func(ctx context.Context, peer peerid.ID, endpoint peerid.Endpoint) (*conn.Connection, error)

// Supervisor runs one watch loop per known peer and keeps the Router's
// links and the PeerTable's reachability in sync with reality.
type Supervisor struct {
	peers   peertable.Manager
	router  *router.Router
	connect ConnectFunc

	mu      sync.Mutex
	cancels map[peerid.ID]context.CancelFunc

	listenersMu    sync.Mutex
	onConnected    []func(peerid.ID)
	onDisconnected []func(peerid.ID)
}

// New creates a Supervisor. connect is the caller-supplied dial strategy.
func New(peers peertable.Manager, r *router.Router, connect ConnectFunc) *Supervisor {
	return &Supervisor{
		peers:   peers,
		router:  r,
		connect: connect,
		cancels: make(map[peerid.ID]context.CancelFunc),
	}
}

// OnConnected registers a callback fired every time a watched peer
// transitions from unlinked to linked.
func (s *Supervisor) OnConnected(fn func(peerid.ID)) {
	s.listenersMu.Lock()
	s.onConnected = append(s.onConnected, fn)
	s.listenersMu.Unlock()
}

// OnDisconnected registers a callback fired every time a watched peer's
// link drops.
func (s *Supervisor) OnDisconnected(fn func(peerid.ID)) {
	s.listenersMu.Lock()
	s.onDisconnected = append(s.onDisconnected, fn)
	s.listenersMu.Unlock()
}

func (s *Supervisor) fireConnected(id peerid.ID) {
	s.listenersMu.Lock()
	fns := append([]func(peerid.ID){}, s.onConnected...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (s *Supervisor) fireDisconnected(id peerid.ID) {
	s.listenersMu.Lock()
	fns := append([]func(peerid.ID){}, s.onDisconnected...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// Run watches the peer table for as long as ctx is live, spawning a watch
// loop for every peer seen and tearing it down when the peer is removed.
func (s *Supervisor) Run(ctx context.Context) {
	sub := s.peers.Subscribe()
	defer s.peers.Unsubscribe(sub)

	for _, p := range s.peers.All() {
		s.ensureWatch(ctx, p.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case peertable.EventUpsert:
				s.ensureWatch(ctx, ev.Peer.ID)
			case peertable.EventRemove:
				s.stopWatch(ev.Peer.ID)
			}
		}
	}
}

func (s *Supervisor) ensureWatch(ctx context.Context, id peerid.ID) {
	s.mu.Lock()
	if _, exists := s.cancels[id]; exists {
		s.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel
	s.mu.Unlock()

	go s.watch(watchCtx, id)
}

func (s *Supervisor) stopWatch(id peerid.ID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// watch keeps id linked: it reconnects immediately, then on every tick.
// A dropped Connection is noticed at the next tick, not the moment it
// drops.
func (s *Supervisor) watch(ctx context.Context, id peerid.ID) {
	ticker := time.NewTicker(ReconnectInterval)
	defer ticker.Stop()

	s.reconcile(ctx, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx, id)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context, id peerid.ID) {
	if c, ok := s.router.Link(id); ok {
		select {
		case <-c.Done():
			s.router.RemoveLink(id)
			s.peers.SetReachable(id, false)
			s.fireDisconnected(id)
		default:
			return // still linked, nothing to do this tick
		}
	}

	peer, ok := s.peers.Get(id)
	if !ok {
		return
	}

	operation := func() (*conn.Connection, error) {
		return s.connect(ctx, id, peer.Endpoint)
	}
	c, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		log.Printf("partner: %s unreachable: %v", id, err)
		s.peers.SetReachable(id, false)
		return
	}

	s.router.AddLink(id, c)
	s.peers.SetReachable(id, true)
	s.fireConnected(id)

	checker := ping.New(c)
	go func() {
		rtt := checker.CheckPing(ctx)
		if rtt != wire.UintMax {
			log.Printf("partner: %s initial rtt %dms", id, rtt)
		}
	}()
}
