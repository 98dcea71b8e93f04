package stp

import (
	"testing"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

var testStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func newMeshForTest(t *testing.T, n int) (*core.Topology, *timectrl.ManualClock) {
	t.Helper()
	clock := timectrl.NewManualClock(testStart)
	topo, err := core.FullMesh(n, 1000, 1, core.WithClock(clock))
	if err != nil {
		t.Fatalf("FullMesh(%d): %v", n, err)
	}
	return topo, clock
}

func linkBetween(t *testing.T, topo *core.Topology, a, b model.NodeID) model.LinkID {
	t.Helper()
	var id model.LinkID
	_ = topo.View(func(g *core.Graph) error {
		if l := g.LinkBetween(a, b); l != nil {
			id = l.ID
		}
		return nil
	})
	if id == "" {
		t.Fatalf("no link between %s and %s", a, b)
	}
	return id
}

// assertAcyclic fails the test if the tree edges close a cycle.
func assertAcyclic(t *testing.T, topo *core.Topology, tree []model.LinkID) {
	t.Helper()
	parent := map[model.NodeID]model.NodeID{}
	var find func(model.NodeID) model.NodeID
	find = func(x model.NodeID) model.NodeID {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		r := find(p)
		parent[x] = r
		return r
	}
	for _, id := range tree {
		l, err := topo.Link(id)
		if err != nil {
			t.Fatalf("tree references unknown link %s: %v", id, err)
		}
		ra, rb := find(l.A.Node), find(l.B.Node)
		if ra == rb {
			t.Fatalf("spanning tree has a cycle through %s", id)
		}
		parent[ra] = rb
	}
}

func portState(t *testing.T, topo *core.Topology, node model.NodeID, port model.PortID) model.PortState {
	t.Helper()
	n, err := topo.Node(node)
	if err != nil {
		t.Fatalf("Node(%s): %v", node, err)
	}
	p := n.Port(port)
	if p == nil {
		t.Fatalf("node %s has no port %d", node, port)
	}
	return p.State
}
