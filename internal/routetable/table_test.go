package routetable

import (
	"testing"
	"time"

	"github.com/ringroute/overlay/internal/peerid"
	"github.com/ringroute/overlay/internal/wire"
)

func TestForceAddSeedsDirectNextHop(t *testing.T) {
	self := peerid.New()
	peer := peerid.New()

	tbl := New(self)
	tbl.ForceAdd(peer, peer)

	if hop := tbl.GetForwardInterface(peer); hop != peer {
		t.Fatalf("GetForwardInterface(peer) = %s, want %s", hop, peer)
	}
}

func TestUpdateComputesMultiHopShortestPath(t *testing.T) {
	self := peerid.New()
	b := peerid.New()
	c := peerid.New()

	tbl := New(self)
	tbl.ForceAdd(b, b)

	// self -> b costs 10 directly; b -> c costs 5, so self should reach c
	// via b even though it has never linked to c directly.
	ok := tbl.Update(wire.LinkState{
		Source:     self,
		Timestamp:  time.Now(),
		Interfaces: []peerid.ID{b},
		Costs:      []uint32{10},
	})
	if !ok {
		t.Fatal("first Update for self should apply")
	}

	ok = tbl.Update(wire.LinkState{
		Source:     b,
		Timestamp:  time.Now(),
		Interfaces: []peerid.ID{self, c},
		Costs:      []uint32{10, 5},
	})
	if !ok {
		t.Fatal("first Update for b should apply")
	}

	if hop := tbl.GetForwardInterface(c); hop != b {
		t.Fatalf("GetForwardInterface(c) = %s, want %s (via b)", hop, b)
	}
}

func TestUpdateRejectsStaleTimestamp(t *testing.T) {
	self := peerid.New()
	b := peerid.New()
	tbl := New(self)

	now := time.Now()
	ls := wire.LinkState{Source: b, Timestamp: now, Interfaces: []peerid.ID{self}, Costs: []uint32{1}}
	if !tbl.Update(ls) {
		t.Fatal("first Update should apply")
	}

	stale := ls
	stale.Timestamp = now.Add(-time.Second)
	if tbl.Update(stale) {
		t.Fatal("an older-or-equal timestamp must not apply and must report false")
	}

	sameTime := ls
	if tbl.Update(sameTime) {
		t.Fatal("replaying an identical timestamp must not apply")
	}
}

func TestDirectLinkOverridesTiedMultiHopPath(t *testing.T) {
	self := peerid.New()
	b := peerid.New()
	c := peerid.New()

	tbl := New(self)
	now := time.Now()

	// self has a direct link to c costing 10, and a path via b costs
	// 5+5 = 10 as well. The direct link must win the tie.
	tbl.Update(wire.LinkState{
		Source:     self,
		Timestamp:  now,
		Interfaces: []peerid.ID{b, c},
		Costs:      []uint32{5, 10},
	})
	tbl.Update(wire.LinkState{
		Source:     b,
		Timestamp:  now,
		Interfaces: []peerid.ID{self, c},
		Costs:      []uint32{5, 5},
	})

	if hop := tbl.GetForwardInterface(c); hop != c {
		t.Fatalf("GetForwardInterface(c) = %s, want %s (direct link must win ties)", hop, c)
	}
}

func TestGetForwardInterfaceUnreachableReturnsNone(t *testing.T) {
	self := peerid.New()
	tbl := New(self)
	if hop := tbl.GetForwardInterface(peerid.New()); hop != peerid.None {
		t.Fatalf("GetForwardInterface for an unknown peer = %s, want peerid.None", hop)
	}
}

func TestDownLinkCostExcludesEdge(t *testing.T) {
	self := peerid.New()
	b := peerid.New()

	tbl := New(self)
	tbl.Update(wire.LinkState{
		Source:     self,
		Timestamp:  time.Now(),
		Interfaces: []peerid.ID{b},
		Costs:      []uint32{wire.UintMax},
	})

	if hop := tbl.GetForwardInterface(b); hop != peerid.None {
		t.Fatalf("GetForwardInterface(b) = %s, want peerid.None for a down link", hop)
	}
}
