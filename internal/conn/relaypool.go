package conn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/wire"
)

// RelayEndpoint names a well-known relay server. Unlike peerid.Endpoint it
// holds its host as a string, keeping it comparable so it can key the
// pool's maps directly.
type RelayEndpoint struct {
	Host string
	Port uint16
}

func (e RelayEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

const (
	dialJitterMin     = 100 * time.Millisecond
	dialJitterMax     = 1000 * time.Millisecond
	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 15 * time.Second
)

// RelayPool is the process-wide shared collection of live relay sessions,
// deduplicated by endpoint (SPEC_FULL.md §4.5, §9 "Shared relay state").
// A single mutex guards the (session, lock, token, refcount) tuple per
// endpoint, folded into one relaySlot per the design note's instruction to
// avoid the ABA risk of four independent maps.
type RelayPool struct {
	mu    sync.Mutex
	slots map[RelayEndpoint]*relaySlot
}

func NewRelayPool() *RelayPool {
	return &RelayPool{slots: make(map[RelayEndpoint]*relaySlot)}
}

type relaySlot struct {
	mu       sync.Mutex
	wire     *relayWire
	cancel   context.CancelFunc
	refCount uint32

	handlersMu sync.RWMutex
	handlers   map[peerid.ID]*Connection // keyed by the logical connection's remote peer id

	lastHeartbeat time.Time
}

func (p *RelayPool) slotFor(endpoint RelayEndpoint) *relaySlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[endpoint]
	if !ok {
		s = &relaySlot{handlers: make(map[peerid.ID]*Connection)}
		p.slots[endpoint] = s
	}
	return s
}

// RefCount reports how many Connections currently hold the session for
// endpoint open, for tests asserting the invariant in SPEC_FULL.md §8.
func (p *RelayPool) RefCount(endpoint RelayEndpoint) uint32 {
	p.mu.Lock()
	s, ok := p.slots[endpoint]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// Connect establishes (or joins) the shared relay session for endpoint and
// returns a Connection multiplexed over it, bound to target. userID/roomID
// are the CreateRelayLinkMessage credentials.
func (p *RelayPool) Connect(ctx context.Context, endpoint RelayEndpoint, self, target, userID peerid.ID, roomID string, onMessage func([]byte)) (*Connection, error) {
	jitter := dialJitterMin + time.Duration(rand.Int63n(int64(dialJitterMax-dialJitterMin)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	slot := p.slotFor(endpoint)
	slot.mu.Lock()

	if slot.wire == nil {
		w, err := dialRelay(ctx, endpoint, userID, roomID)
		if err != nil {
			slot.mu.Unlock()
			return nil, fmt.Errorf("relay: dial %s: %w", endpoint, err)
		}
		slotCtx, cancel := context.WithCancel(context.Background())
		slot.wire = w
		slot.cancel = cancel
		slot.lastHeartbeat = time.Now()
		go p.demux(slotCtx, endpoint, slot)
		go p.heartbeat(slotCtx, endpoint, slot)
		go p.liveness(slotCtx, endpoint, slot)
	}
	slot.refCount++
	slot.mu.Unlock()

	// The handshake is sent after slot.mu is released, since
	// relaySession.Send goes through p.send, which takes slot.mu itself.
	c := New(self, target, onMessage)
	slot.handlersMu.Lock()
	slot.handlers[target] = c
	slot.handlersMu.Unlock()

	session := &relaySession{pool: p, endpoint: endpoint, self: self, target: target}
	if err := c.Attach(session, true); err != nil {
		p.Disconnect(endpoint, target)
		return nil, fmt.Errorf("relay: handshake with %s via %s: %w", target, endpoint, err)
	}
	go c.RunRetransmitOnly(ctx)
	return c, nil
}

// Disconnect releases one Connection's hold on endpoint's shared session.
// The session is torn down only once every holder has released it.
func (p *RelayPool) Disconnect(endpoint RelayEndpoint, target peerid.ID) {
	p.mu.Lock()
	slot, ok := p.slots[endpoint]
	p.mu.Unlock()
	if !ok {
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.handlersMu.Lock()
	delete(slot.handlers, target)
	slot.handlersMu.Unlock()

	if slot.refCount > 0 {
		slot.refCount--
	}
	if slot.refCount == 0 {
		if slot.cancel != nil {
			slot.cancel()
		}
		if slot.wire != nil {
			_ = slot.wire.Close()
			slot.wire = nil
		}
		p.mu.Lock()
		delete(p.slots, endpoint)
		p.mu.Unlock()
	}
}

func (p *RelayPool) send(endpoint RelayEndpoint, d wire.TransDatagram) error {
	p.mu.Lock()
	slot, ok := p.slots[endpoint]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: %s: no active session", endpoint)
	}
	slot.mu.Lock()
	w := slot.wire
	slot.mu.Unlock()
	if w == nil {
		return fmt.Errorf("relay: %s: session not connected", endpoint)
	}
	return w.SendDatagram(d)
}

// demux reads every datagram the shared session delivers and routes it to
// the logical Connection bound to its RelayFrom peer id, discarding
// datagrams addressed to any other target (SPEC_FULL.md §4.5).
func (p *RelayPool) demux(ctx context.Context, endpoint RelayEndpoint, slot *relaySlot) {
	for {
		frame, err := slot.wire.Recv()
		if err != nil {
			log.Printf("relay: %s: session closed: %v", endpoint, err)
			slot.handlersMu.RLock()
			for _, c := range slot.handlers {
				c.MarkDisconnected()
			}
			slot.handlersMu.RUnlock()
			return
		}
		switch {
		case frame.Heartbeat:
			slot.mu.Lock()
			slot.lastHeartbeat = time.Now()
			slot.mu.Unlock()
		case frame.Datagram != nil:
			d := *frame.Datagram
			key := d.Source
			if d.RelayFrom != nil {
				key = *d.RelayFrom
			}
			slot.handlersMu.RLock()
			target, ok := slot.handlers[key]
			slot.handlersMu.RUnlock()
			if !ok {
				continue
			}
			if d.RelayFrom != nil && *d.RelayFrom != target.Remote() {
				continue // stale registration race; drop rather than misdeliver
			}
			target.Deliver(d)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *RelayPool) heartbeat(ctx context.Context, endpoint RelayEndpoint, slot *relaySlot) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot.mu.Lock()
			w := slot.wire
			slot.mu.Unlock()
			if w == nil {
				return
			}
			if err := w.SendHeartbeat(); err != nil {
				log.Printf("relay: %s: heartbeat send failed: %v", endpoint, err)
			}
		}
	}
}

func (p *RelayPool) liveness(ctx context.Context, endpoint RelayEndpoint, slot *relaySlot) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot.mu.Lock()
			age := time.Since(slot.lastHeartbeat)
			slot.mu.Unlock()
			if age > heartbeatTimeout {
				log.Printf("relay: %s: heartbeat timeout (%s), tearing down", endpoint, age)
				p.mu.Lock()
				delete(p.slots, endpoint)
				p.mu.Unlock()
				slot.mu.Lock()
				if slot.wire != nil {
					_ = slot.wire.Close()
					slot.wire = nil
				}
				if slot.cancel != nil {
					slot.cancel()
				}
				slot.mu.Unlock()
				slot.handlersMu.RLock()
				for _, c := range slot.handlers {
					c.MarkDisconnected()
				}
				slot.handlersMu.RUnlock()
				return
			}
		}
	}
}

// relaySession is the per-target Session view a Connection sends through;
// Recv is push-based (see RelayPool.demux) so it always errors, matching
// the Session interface's expectations only for the write half.
type relaySession struct {
	pool     *RelayPool
	endpoint RelayEndpoint
	self, target peerid.ID
}

func (r *relaySession) Send(d wire.TransDatagram) error {
	d.RelayFrom = &r.self
	return r.pool.send(r.endpoint, d)
}

func (r *relaySession) Recv() (wire.TransDatagram, error) {
	return wire.TransDatagram{}, errors.New("relay: session is push-demultiplexed, Recv unsupported")
}

func (r *relaySession) Close() error {
	r.pool.Disconnect(r.endpoint, r.target)
	return nil
}

func (r *relaySession) Identity() string { return "relay:" + r.endpoint.String() }

// dialRelay opens the TCP session to a relay endpoint and performs the
// CreateRelayLinkMessage/RelayLinkCreatedMessage handshake, retrying
// transient dial failures with exponential backoff.
func dialRelay(ctx context.Context, endpoint RelayEndpoint, userID peerid.ID, roomID string) (*relayWire, error) {
	operation := func() (*relayWire, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", endpoint.String())
		if err != nil {
			return nil, err
		}
		w := newRelayWire(tcpConn)
		if err := w.SendCreateLink(wire.CreateRelayLinkMessage{UserID: userID, RoomID: roomID}); err != nil {
			_ = w.Close()
			return nil, err
		}
		reply, err := w.RecvLinkCreated()
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		if !reply.Accepted {
			_ = w.Close()
			return nil, fmt.Errorf("relay: %s rejected link for room %q", endpoint, roomID)
		}
		return w, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

// relayFrame is the newline-delimited-JSON envelope multiplexing
// TransDatagrams, heartbeats, and the relay-link handshake over one shared
// TCP session (wire framing itself is out of scope; this stands in for it
// the same way sessionConn does for direct links).
type relayFrame struct {
	Heartbeat   bool                          `json:"heartbeat,omitempty"`
	Datagram    *wire.TransDatagram           `json:"datagram,omitempty"`
	CreateLink  *wire.CreateRelayLinkMessage  `json:"createLink,omitempty"`
	LinkCreated *wire.RelayLinkCreatedMessage `json:"linkCreated,omitempty"`
}

type relayWire struct {
	conn net.Conn

	wmu sync.Mutex
	w   *bufio.Writer

	rmu sync.Mutex
	r   *bufio.Reader
}

func newRelayWire(c net.Conn) *relayWire {
	return &relayWire{conn: c, w: bufio.NewWriter(c), r: bufio.NewReader(c)}
}

func (w *relayWire) writeFrame(f relayFrame) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *relayWire) readFrame() (relayFrame, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	line, err := w.r.ReadBytes('\n')
	if err != nil {
		return relayFrame{}, err
	}
	var f relayFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return relayFrame{}, err
	}
	return f, nil
}

func (w *relayWire) SendDatagram(d wire.TransDatagram) error { return w.writeFrame(relayFrame{Datagram: &d}) }
func (w *relayWire) SendHeartbeat() error                    { return w.writeFrame(relayFrame{Heartbeat: true}) }
func (w *relayWire) SendCreateLink(m wire.CreateRelayLinkMessage) error {
	return w.writeFrame(relayFrame{CreateLink: &m})
}

func (w *relayWire) RecvLinkCreated() (wire.RelayLinkCreatedMessage, error) {
	f, err := w.readFrame()
	if err != nil {
		return wire.RelayLinkCreatedMessage{}, err
	}
	if f.LinkCreated == nil {
		return wire.RelayLinkCreatedMessage{}, errors.New("relay: expected linkCreated reply")
	}
	return *f.LinkCreated, nil
}

func (w *relayWire) Recv() (relayFrame, error) { return w.readFrame() }
func (w *relayWire) Close() error              { return w.conn.Close() }
