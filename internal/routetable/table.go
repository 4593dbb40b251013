// Package routetable holds the most recent LinkState per source peer and
// computes, via single-source shortest path, the next hop to every known
// destination.
package routetable

import (
	"sort"
	"sync"

	"github.com/RyanCarrier/dijkstra"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/wire"
)

// Table is safe for concurrent use. Writers (Update/ForceAdd) are
// serialized by a single mutex so GetForwardInterface never observes a
// torn graph; readers consult an atomically-swapped snapshot of the
// computed next-hop map rather than taking the write lock.
type Table struct {
	self peerid.ID

	mu     sync.Mutex
	states map[peerid.ID]wire.LinkState
	seeded map[peerid.ID]peerid.ID // forceAdd entries not yet superseded by a LinkState

	nextHop *nextHopSnapshot // atomically replaced on every recompute
	nhMu    sync.RWMutex
}

type nextHopSnapshot struct {
	hop map[peerid.ID]peerid.ID
}

// New creates an empty Table rooted at self.
func New(self peerid.ID) *Table {
	t := &Table{
		self:    self,
		states:  make(map[peerid.ID]wire.LinkState),
		seeded:  make(map[peerid.ID]peerid.ID),
		nextHop: &nextHopSnapshot{hop: map[peerid.ID]peerid.ID{}},
	}
	return t
}

// Update applies a LinkState if it is newer than what's stored for its
// source, then recomputes next hops. Replaying an identical or older
// LinkState is a no-op, which gives idempotent updates and the link-state
// monotonicity invariant for free. The returned bool tells the Router
// whether it needs to reflood: false means this exact state (or something
// newer) is already known, breaking flood loops.
func (t *Table) Update(ls wire.LinkState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.states[ls.Source]
	if ok && !ls.Timestamp.After(existing.Timestamp) {
		return false
	}
	t.states[ls.Source] = ls
	delete(t.seeded, ls.Source)
	t.recomputeLocked()
	return true
}

// ForceAdd seeds nextHop(dest)=via before any LinkState names dest,
// used when the Peer Manager reports a freshly connected direct peer
// (SPEC_FULL.md §4.2/§4.3 "peer add").
func (t *Table) ForceAdd(dest, via peerid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[dest]; ok {
		return // a real LinkState already covers this destination
	}
	t.seeded[dest] = via
	t.recomputeLocked()
}

// GetSelfLinkState returns the stored LinkState whose source is the local
// peer, if any has been applied yet.
func (t *Table) GetSelfLinkState() (wire.LinkState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.states[t.self]
	return ls, ok
}

// GetForwardInterface returns the next hop toward dest, or peerid.None if
// unreachable.
func (t *Table) GetForwardInterface(dest peerid.ID) peerid.ID {
	t.nhMu.RLock()
	snap := t.nextHop
	t.nhMu.RUnlock()

	if hop, ok := snap.hop[dest]; ok {
		return hop
	}
	return peerid.None
}

// recomputeLocked rebuilds the next-hop table from every stored LinkState
// (plus any not-yet-superseded ForceAdd seeds) via Dijkstra's algorithm,
// rooted at the local peer, and publishes a fresh immutable snapshot.
// Callers must hold t.mu.
func (t *Table) recomputeLocked() {
	index := map[peerid.ID]int{t.self: 0}
	order := []peerid.ID{t.self}

	nodeIndex := func(id peerid.ID) int {
		if i, ok := index[id]; ok {
			return i
		}
		i := len(order)
		index[id] = i
		order = append(order, id)
		return i
	}

	type edge struct {
		from, to peerid.ID
		cost     int64
	}
	var edges []edge
	selfNeighborCost := map[peerid.ID]int64{}

	// Iterate sources in a fixed order so graph construction (and the
	// shortest-path library's internal tie-breaking) is reproducible
	// across recomputes rather than depending on Go's randomized map
	// iteration order.
	for _, source := range sortedKeys(t.states) {
		ls := t.states[source]
		nodeIndex(ls.Source)
		for i, neighbor := range ls.Interfaces {
			nodeIndex(neighbor)
			if ls.Costs[i] == wire.UintMax {
				continue // link reported down
			}
			edges = append(edges, edge{from: ls.Source, to: neighbor, cost: int64(ls.Costs[i])})
			if ls.Source == t.self {
				selfNeighborCost[neighbor] = int64(ls.Costs[i])
			}
		}
	}
	for _, dest := range sortedKeys(t.seeded) {
		via := t.seeded[dest]
		nodeIndex(dest)
		nodeIndex(via)
		edges = append(edges, edge{from: t.self, to: via, cost: 0})
		if via != dest {
			edges = append(edges, edge{from: via, to: dest, cost: 0})
		}
		if _, ok := selfNeighborCost[via]; !ok {
			selfNeighborCost[via] = 0
		}
	}

	graph := dijkstra.NewGraph()
	for i := range order {
		graph.AddVertex(i)
	}
	for _, e := range edges {
		_ = graph.AddArc(nodeIndex(e.from), nodeIndex(e.to), e.cost)
	}

	neighbors := make([]peerid.ID, 0, len(selfNeighborCost))
	for n := range selfNeighborCost {
		neighbors = append(neighbors, n)
	}
	sortPeerIDs(neighbors)

	hop := make(map[peerid.ID]peerid.ID, len(order))
	for i := 1; i < len(order); i++ {
		dest := order[i]
		// Next-hop selection, not shortest-path selection: scan self's
		// direct neighbors (in ascending peer-id order) and keep the one
		// giving the lowest total cost to dest, breaking ties by lower
		// peer id per SPEC_FULL.md §4.2.
		var bestHop peerid.ID
		var bestCost int64 = -1
		for _, n := range neighbors {
			var viaCost int64
			if n == dest {
				viaCost = selfNeighborCost[n]
			} else {
				best, err := graph.Shortest(nodeIndex(n), i)
				if err != nil {
					continue
				}
				viaCost = selfNeighborCost[n] + best.Distance
			}
			if bestCost == -1 || viaCost < bestCost {
				bestCost = viaCost
				bestHop = n
			}
		}
		if bestCost != -1 {
			hop[dest] = bestHop
		}
	}
	// A direct link always names itself as next hop, overriding whatever
	// the scan above found (SPEC_FULL.md §3 RouteEntry invariant).
	for n := range selfNeighborCost {
		hop[n] = n
	}

	t.nhMu.Lock()
	t.nextHop = &nextHopSnapshot{hop: hop}
	t.nhMu.Unlock()
}

// sortedKeys returns m's peer-id keys in ascending order, for deterministic
// graph construction over Go's unordered maps.
func sortedKeys[V any](m map[peerid.ID]V) []peerid.ID {
	keys := make([]peerid.ID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortPeerIDs(keys)
	return keys
}

func sortPeerIDs(ids []peerid.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
