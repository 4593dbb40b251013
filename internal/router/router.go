// Package router implements the overlay's forwarding plane: it holds one
// Connection per directly-linked peer, floods link-state updates with
// split horizon, computes next hops via routetable, and forwards
// P2PPackets hop by hop (SPEC_FULL.md §4.3).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/ringroute/overlay/internal/conn"
	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/ping"
	"github.com/ringroute/overlay/internal/routetable"
	"github.com/ringroute/overlay/internal/util"
	"github.com/ringroute/overlay/internal/wire"
)

// rttHistoryDepth is how many of a link's most recent probe results
// Router retains for diagnostics, via util.RingBuffer's overwrite-oldest
// semantics.
const rttHistoryDepth = 16

// ProbeInterval is how often the Router re-measures every direct link's
// RTT and, if anything changed, floods a fresh self LinkState.
const ProbeInterval = 30 * time.Second

const probePoolSize = 8

// EventKind distinguishes the two peer lifecycle events the Router
// publishes to subscribers (the Partner Supervisor, the Proxy Manager).
type EventKind int

const (
	EventPeerUp EventKind = iota
	EventPeerDown
)

// Event is one peer lifecycle notification.
type Event struct {
	Kind EventKind
	Peer peerid.ID
}

// Handler receives application payloads addressed to the local peer for
// one registered message type.
type Handler func(from peerid.ID, payload []byte)

// envelope is the single wire shape every link carries; Kind discriminates
// which of the payload fields is populated. It plays the role the
// teacher's mq.Manager envelope plays for its own control/data multiplex.
type envelope struct {
	Kind        string                        `json:"kind"`
	P2P         *wire.P2PPacket               `json:"p2p,omitempty"`
	LinkState   *wire.LinkStatePacket         `json:"linkState,omitempty"`
	TransmitErr *wire.P2PTransmitErrorPacket  `json:"transmitErr,omitempty"`
}

// appEnvelope tags an application payload with the protocol that should
// receive it once a P2PPacket reaches its destination.
type appEnvelope struct {
	MsgType string `json:"msgType"`
	Body    []byte `json:"body"`
}

const (
	kindP2P       = "p2p"
	kindLinkState = "linkState"
	kindTransErr  = "transmitErr"
)

type link struct {
	conn    *conn.Connection
	checker *ping.Checker
	costMs  atomic.Uint32 // written by probeAll's worker pool, read by floodSelfLinkState
	history *util.RingBuffer[uint32]
}

// Router is safe for concurrent use.
type Router struct {
	self peerid.ID

	mu    sync.Mutex
	links map[peerid.ID]*link

	table *routetable.Table
	pool  pond.Pool

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	subsMu sync.Mutex
	subs   []chan Event

	errHandlerMu sync.RWMutex
	errHandler   func(wire.P2PTransmitErrorPacket)
}

// New creates a Router rooted at self with no links yet.
func New(self peerid.ID) *Router {
	return &Router{
		self:     self,
		links:    make(map[peerid.ID]*link),
		table:    routetable.New(self),
		pool:     pond.NewPool(probePoolSize),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds fn to msgType. Registration is idempotent: a
// second call for the same msgType is a no-op and reports false, so
// callers that re-register on reconnect don't silently replace another
// subsystem's handler.
func (r *Router) RegisterHandler(msgType string, fn Handler) bool {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, exists := r.handlers[msgType]; exists {
		return false
	}
	r.handlers[msgType] = fn
	return true
}

// OnTransmitError sets the single callback invoked when a P2PTransmitErrorPacket
// addressed to this peer arrives.
func (r *Router) OnTransmitError(fn func(wire.P2PTransmitErrorPacket)) {
	r.errHandlerMu.Lock()
	r.errHandler = fn
	r.errHandlerMu.Unlock()
}

// Subscribe returns a channel of peer lifecycle events. The channel is
// buffered; a slow subscriber drops events rather than blocking the
// Router, matching the teacher's fan-out-don't-block event style.
func (r *Router) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

func (r *Router) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AddLink registers a direct Connection to peer, seeds the route table
// with a zero-cost direct hop, and floods an updated self LinkState.
// Calling it again for an already-linked peer replaces the stale
// Connection (a reconnect), keeping AddLink idempotent from the caller's
// perspective.
func (r *Router) AddLink(peer peerid.ID, c *conn.Connection) {
	l := &link{conn: c, checker: ping.New(c), history: util.NewRingBuffer[uint32](rttHistoryDepth)}
	c.OnAck(l.checker.OnAck)

	r.mu.Lock()
	r.links[peer] = l
	r.mu.Unlock()

	r.table.ForceAdd(peer, peer)
	r.publish(Event{Kind: EventPeerUp, Peer: peer})
	r.floodSelfLinkState("")
}

// HasLink reports whether peer currently has a registered Connection. It
// does not distinguish a connection that is Handshaking from one fully
// Connected — callers that care should check the Connection's own State.
func (r *Router) HasLink(peer peerid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[peer]
	return ok
}

// Link returns the live Connection for peer, if any.
func (r *Router) Link(peer peerid.ID) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if !ok {
		return nil, false
	}
	return l.conn, true
}

// LinkHistory returns peer's most recent probe results, oldest first, for
// diagnostics and UIs — the underlying RingBuffer never blocks on a full
// history, it just ages out the oldest sample.
func (r *Router) LinkHistory(peer peerid.ID) []uint32 {
	r.mu.Lock()
	l, ok := r.links[peer]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return l.history.Snapshot()
}

// RemoveLink drops peer's direct Connection and floods the resulting
// LinkState with that interface removed.
func (r *Router) RemoveLink(peer peerid.ID) {
	r.mu.Lock()
	delete(r.links, peer)
	r.mu.Unlock()

	r.publish(Event{Kind: EventPeerDown, Peer: peer})
	r.floodSelfLinkState("")
}

// HandleInbound is the onMessage callback wired into every direct link's
// Connection: it decodes the shared envelope and dispatches by kind.
func (r *Router) HandleInbound(fromLinkIdentity string) func(payload []byte) {
	return func(payload []byte) {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("router: malformed envelope from link %s: %v", fromLinkIdentity, err)
			return
		}
		switch env.Kind {
		case kindP2P:
			if env.P2P != nil {
				r.handleP2P(*env.P2P)
			}
		case kindLinkState:
			if env.LinkState != nil {
				r.handleLinkState(*env.LinkState, fromLinkIdentity)
			}
		case kindTransErr:
			if env.TransmitErr != nil {
				r.handleTransmitError(*env.TransmitErr)
			}
		}
	}
}

func (r *Router) handleP2P(pkt wire.P2PPacket) {
	if pkt.To == r.self {
		var app appEnvelope
		if err := json.Unmarshal(pkt.Payload, &app); err != nil {
			log.Printf("router: malformed application payload from %s: %v", pkt.From, err)
			return
		}
		r.handlersMu.RLock()
		fn, ok := r.handlers[app.MsgType]
		r.handlersMu.RUnlock()
		if ok {
			fn(pkt.From, app.Body)
		}
		return
	}

	pkt.TTL--
	if pkt.TTL == 0 {
		r.sendTransmitError(pkt.From, wire.TransmitExpired, pkt)
		return
	}
	if err := r.forward(pkt.To, envelope{Kind: kindP2P, P2P: &pkt}); err != nil {
		// No route: log and drop, no error reply — an error packet back to
		// an unreachable origin would itself have nowhere to go.
		log.Printf("router: dropping packet to %s: %v", pkt.To, err)
	}
}

func (r *Router) handleLinkState(lsp wire.LinkStatePacket, arrivedOn string) {
	if lsp.LinkState.Source == r.self {
		return // never reflood or expire-reply to a LinkState describing our own links
	}
	lsp.TTL--
	if lsp.TTL == 0 {
		r.sendLinkStateTransmitError(lsp.LinkState.Source)
		return
	}
	if !r.table.Update(lsp.LinkState) {
		return
	}
	r.flood(lsp, arrivedOn)
}

func (r *Router) handleTransmitError(errPkt wire.P2PTransmitErrorPacket) {
	if errPkt.To != r.self {
		if errPkt.TTL == 0 {
			return
		}
		errPkt.TTL--
		_ = r.forward(errPkt.To, envelope{Kind: kindTransErr, TransmitErr: &errPkt})
		return
	}
	r.errHandlerMu.RLock()
	fn := r.errHandler
	r.errHandlerMu.RUnlock()
	if fn != nil {
		fn(errPkt)
	}
}

func (r *Router) sendTransmitError(to peerid.ID, kind wire.TransmitErrorKind, pkt wire.P2PPacket) {
	payload := pkt.Payload
	if kind != wire.TransmitExpired {
		payload = nil // only expired P2PPackets carry their payload back
	}
	errPkt := wire.P2PTransmitErrorPacket{
		Error:      kind,
		From:       r.self,
		To:         to,
		OriginalTo: pkt.To,
		Payload:    payload,
		TTL:        wire.InitialTTL,
	}
	_ = r.forward(to, envelope{Kind: kindTransErr, TransmitErr: &errPkt})
}

// sendLinkStateTransmitError replies to a LinkState's source when its
// flooded copy's TTL is exhausted before reaching every peer. Payload
// stays empty for LinkStatePackets, unlike the P2PPacket case (SPEC_FULL.md
// §9, preserved intentionally).
func (r *Router) sendLinkStateTransmitError(source peerid.ID) {
	errPkt := wire.P2PTransmitErrorPacket{
		Error:      wire.TransmitExpired,
		From:       r.self,
		To:         source,
		OriginalTo: source,
		TTL:        wire.InitialTTL,
	}
	_ = r.forward(source, envelope{Kind: kindTransErr, TransmitErr: &errPkt})
}

// forward sends env to dest's next hop, or returns an error if none exists
// or the hop's Connection isn't up.
func (r *Router) forward(dest peerid.ID, env envelope) error {
	hop := r.table.GetForwardInterface(dest)
	if hop.IsZero() {
		return fmt.Errorf("router: no route to %s", dest)
	}
	r.mu.Lock()
	l, ok := r.links[hop]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("router: next hop %s has no live link", hop)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("router: encode envelope: %w", err)
	}
	return l.conn.Send(b)
}

// Send addresses payload to dest under msgType, routing it hop by hop.
func (r *Router) Send(dest peerid.ID, msgType string, payload []byte) error {
	body, err := json.Marshal(appEnvelope{MsgType: msgType, Body: payload})
	if err != nil {
		return fmt.Errorf("router: encode application payload: %w", err)
	}
	pkt := wire.P2PPacket{From: r.self, To: dest, TTL: wire.InitialTTL, Payload: body}
	return r.forward(dest, envelope{Kind: kindP2P, P2P: &pkt})
}

// flood resends lsp to every direct link except the one it arrived on
// (split horizon), dropping it once its TTL is exhausted.
func (r *Router) flood(lsp wire.LinkStatePacket, excludeIdentity string) {
	if lsp.TTL == 0 {
		return
	}
	env := envelope{Kind: kindLinkState, LinkState: &lsp}
	b, err := json.Marshal(env)
	if err != nil {
		log.Printf("router: encode link state: %v", err)
		return
	}

	r.mu.Lock()
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		if l.conn.SessionIdentity() == excludeIdentity {
			continue
		}
		if err := l.conn.Send(b); err != nil {
			log.Printf("router: flood to %s failed: %v", l.conn.Remote(), err)
		}
	}
}

// floodSelfLinkState rebuilds the local LinkState from the current set of
// direct links and floods it, excluding the link named by excludeIdentity
// (empty when the flood originates locally rather than relaying).
func (r *Router) floodSelfLinkState(excludeIdentity string) {
	r.mu.Lock()
	interfaces := make([]peerid.ID, 0, len(r.links))
	costs := make([]uint32, 0, len(r.links))
	for peer, l := range r.links {
		interfaces = append(interfaces, peer)
		costs = append(costs, l.costMs.Load())
	}
	r.mu.Unlock()

	ls := wire.LinkState{
		Source:     r.self,
		Timestamp:  time.Now(),
		Interfaces: interfaces,
		Costs:      costs,
	}
	r.table.Update(ls)
	r.flood(wire.LinkStatePacket{LinkState: ls, TTL: wire.InitialTTL}, excludeIdentity)
}

// Run starts the periodic link probe sweep. It blocks until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.pool.StopAndWait()
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// probeAll pings every direct link concurrently through the bounded
// worker pool and, if any cost changed, floods a fresh self LinkState.
func (r *Router) probeAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := make(map[peerid.ID]*link, len(r.links))
	for peer, l := range r.links {
		snapshot[peer] = l
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var changed sync.Map // peerid.ID -> bool

	for peer, l := range snapshot {
		peer, l := peer, l
		wg.Add(1)
		r.pool.Submit(func() {
			defer wg.Done()
			rtt := l.checker.CheckPing(ctx)
			l.history.Push(rtt)
			if rtt != l.costMs.Load() {
				l.costMs.Store(rtt)
				changed.Store(peer, true)
			}
		})
	}
	wg.Wait()

	anyChanged := false
	changed.Range(func(_, _ any) bool { anyChanged = true; return false })
	if anyChanged {
		r.floodSelfLinkState("")
	}
}
