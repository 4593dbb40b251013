// Package peertable tracks the set of known peers and their reachability,
// independent of which transport (direct or relayed) currently links to
// them. It is grounded on the teacher's state.PeerTable: a mutex-guarded
// map plus a small fan-out of subscriber channels.
package peertable

import (
	"sync"
	"time"

	"github.com/ringroute/overlay/internal/peerid"
)

// Peer is one entry in the table: an identity, where it was last reachable
// at, and whether the Partner Supervisor currently considers it up.
type Peer struct {
	ID        peerid.ID
	Endpoint  peerid.Endpoint
	Reachable bool
	LastSeen  time.Time

	failStreak int
	lastFailAt time.Time
}

// EventType enumerates the PeerTable's change notifications.
type EventType string

const (
	EventUpsert EventType = "upsert"
	EventRemove EventType = "remove"
)

// Event is published to every subscriber on any table mutation.
type Event struct {
	Type EventType
	Peer Peer
}

// failStreakThreshold and failStreakWindow mirror the teacher's flap
// dampening: a peer is only marked unreachable after this many distinct
// probe failures, with failures closer together than the window counted
// as one event so a single slow tick doesn't flip reachability.
const (
	failStreakThreshold = 2
	failStreakWindow     = 4 * time.Second
)

// Manager is the interface the Router, Partner Supervisor, and Proxy
// Manager consume; PeerTable is its only implementation.
type Manager interface {
	Upsert(id peerid.ID, endpoint peerid.Endpoint)
	Remove(id peerid.ID)
	Get(id peerid.ID) (Peer, bool)
	All() []Peer
	SetReachable(id peerid.ID, reachable bool)
	Subscribe() chan Event
	Unsubscribe(ch chan Event)
}

// PeerTable is the default in-memory Manager.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[peerid.ID]Peer
	listeners []chan Event
}

func New() *PeerTable {
	return &PeerTable{peers: make(map[peerid.ID]Peer)}
}

// Upsert records (or refreshes) a peer's known endpoint. Newly seen peers
// start reachable; re-upserting an existing peer preserves its current
// reachability rather than resetting it.
func (t *PeerTable) Upsert(id peerid.ID, endpoint peerid.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reachable := true
	if existing, ok := t.peers[id]; ok {
		reachable = existing.Reachable
	}
	p := Peer{ID: id, Endpoint: endpoint, Reachable: reachable, LastSeen: time.Now()}
	t.peers[id] = p
	t.notify(Event{Type: EventUpsert, Peer: p})
}

// Remove deletes a peer entirely, e.g. once the rendezvous collaborator
// reports it signed out.
func (t *PeerTable) Remove(id peerid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	delete(t.peers, id)
	t.notify(Event{Type: EventRemove, Peer: p})
}

func (t *PeerTable) Get(id peerid.ID) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *PeerTable) All() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// SetReachable applies the teacher's flap-dampened reachability update:
// a single success clears the fail streak immediately, but a failure only
// flips a peer to unreachable once failStreakThreshold distinct failures
// (more than failStreakWindow apart) have accumulated.
func (t *PeerTable) SetReachable(id peerid.ID, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return
	}

	if reachable {
		p.failStreak = 0
		p.lastFailAt = time.Time{}
		p.LastSeen = time.Now()
		wasUnreachable := !p.Reachable
		p.Reachable = true
		t.peers[id] = p
		if wasUnreachable {
			t.notify(Event{Type: EventUpsert, Peer: p})
		}
		return
	}

	if time.Since(p.lastFailAt) > failStreakWindow {
		p.failStreak++
		p.lastFailAt = time.Now()
	}
	t.peers[id] = p

	if p.failStreak >= failStreakThreshold && p.Reachable {
		p.Reachable = false
		t.peers[id] = p
		t.notify(Event{Type: EventUpsert, Peer: p})
	}
}

func (t *PeerTable) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notify(ev Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
