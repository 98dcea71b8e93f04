package stp

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

func TestFullMeshTreeHasThreeEdgesRootedAtSmallestID(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	calc := NewCalculator(topo)

	res := calc.Recompute(context.Background())

	if res.Root != "node_1" {
		t.Fatalf("root = %s, want node_1", res.Root)
	}
	if len(res.Tree) != 3 {
		t.Fatalf("tree has %d edges, want 3: %v", len(res.Tree), res.Tree)
	}
	assertAcyclic(t, topo, res.Tree)

	// Equal costs tie-break on link ID, which makes node_1 the hub.
	want := []model.LinkID{
		"node_1-1<->node_2-1",
		"node_1-2<->node_3-1",
		"node_1-3<->node_4-1",
	}
	for i, id := range want {
		if res.Tree[i] != id {
			t.Fatalf("tree = %v, want %v", res.Tree, want)
		}
	}

	if got := portState(t, topo, "node_1", 1); got != model.PortForwarding {
		t.Fatalf("node_1 port 1 = %s, want FORWARDING", got)
	}
	if got := portState(t, topo, "node_2", 2); got != model.PortBlocking {
		t.Fatalf("node_2 port 2 = %s, want BLOCKING", got)
	}
}

func TestRecomputeReconnectsAfterRootLinkFailure(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	calc := NewCalculator(topo)
	calc.Recompute(context.Background())

	rootLink := linkBetween(t, topo, "node_1", "node_2")
	if err := topo.SetLinkState(rootLink, model.LinkDown); err != nil {
		t.Fatalf("SetLinkState: %v", err)
	}
	res := calc.Recompute(context.Background())

	if len(res.Tree) != 3 {
		t.Fatalf("tree has %d edges, want 3: %v", len(res.Tree), res.Tree)
	}
	for _, id := range res.Tree {
		if id == rootLink {
			t.Fatalf("down link %s kept in tree", rootLink)
		}
	}
	assertAcyclic(t, topo, res.Tree)

	conn, err := topo.CheckConnectivityToRoot("node_2")
	if err != nil {
		t.Fatalf("CheckConnectivityToRoot: %v", err)
	}
	if !conn.Reachable || len(conn.Path) != 2 {
		t.Fatalf("node_2 connectivity = %+v, want reachable over two hops", conn)
	}
	if got := portState(t, topo, "node_2", 1); got != model.PortBlocking {
		t.Fatalf("port on down link = %s, want BLOCKING", got)
	}
}

func TestIsolatedNodeReportsNoPath(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	calc := NewCalculator(topo)

	for _, other := range []model.NodeID{"node_1", "node_3", "node_4"} {
		if err := topo.SetLinkState(linkBetween(t, topo, "node_2", other), model.LinkDown); err != nil {
			t.Fatalf("SetLinkState: %v", err)
		}
	}
	res := calc.Recompute(context.Background())

	if len(res.Tree) != 2 {
		t.Fatalf("tree has %d edges, want 2 (node_2 cut off): %v", len(res.Tree), res.Tree)
	}
	conn, err := topo.CheckConnectivityToRoot("node_2")
	if err != nil {
		t.Fatalf("CheckConnectivityToRoot: %v", err)
	}
	if conn.Reachable || conn.BlockedBy != core.BlockedNoPath {
		t.Fatalf("node_2 connectivity = %+v, want unreachable no_path", conn)
	}
}

func TestFailedNodeLeavesTwoEdgeTree(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	calc := NewCalculator(topo)
	calc.Recompute(context.Background())

	if err := topo.FailNode("node_3"); err != nil {
		t.Fatalf("FailNode: %v", err)
	}
	res := calc.Recompute(context.Background())

	if len(res.Tree) != 2 {
		t.Fatalf("tree has %d edges, want 2: %v", len(res.Tree), res.Tree)
	}
	for _, id := range res.Tree {
		l, _ := topo.Link(id)
		if l.Touches("node_3") {
			t.Fatalf("tree edge %s touches failed node", id)
		}
	}
	n, _ := topo.Node("node_3")
	for _, p := range n.Ports {
		if p.State != model.PortDisabled {
			t.Fatalf("failed node port %d = %s, want DISABLED", p.ID, p.State)
		}
	}
	conn, _ := topo.CheckConnectivityToRoot("node_3")
	if conn.BlockedBy != core.BlockedNodeFailed {
		t.Fatalf("failed node connectivity = %+v, want node_failed", conn)
	}
}

func TestFailedRootHandsOverToNextSmallestID(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	calc := NewCalculator(topo)
	calc.Recompute(context.Background())

	if err := topo.FailNode("node_1"); err != nil {
		t.Fatalf("FailNode: %v", err)
	}
	res := calc.Recompute(context.Background())
	if res.Root != "node_2" {
		t.Fatalf("root = %s, want node_2", res.Root)
	}
	if len(res.Tree) != 2 {
		t.Fatalf("tree has %d edges, want 2", len(res.Tree))
	}
}

func TestElectRootIsIdempotent(t *testing.T) {
	topo, _ := newMeshForTest(t, 4)
	var first, second model.NodeID
	_ = topo.Update(func(g *core.Graph) error {
		first = g.ElectRoot().ID
		second = g.ElectRoot().ID
		return nil
	})
	if first != second || first != "node_1" {
		t.Fatalf("ElectRoot twice = %s, %s", first, second)
	}
}

func TestEmptyActiveSetYieldsEmptyTree(t *testing.T) {
	topo, _ := newMeshForTest(t, 3)
	calc := NewCalculator(topo)
	calc.Recompute(context.Background())
	for _, id := range topo.NodeIDs() {
		if err := topo.FailNode(id); err != nil {
			t.Fatalf("FailNode(%s): %v", id, err)
		}
	}

	res := calc.Recompute(context.Background())
	if res.Root != "" || len(res.Tree) != 0 {
		t.Fatalf("result = %+v, want no root and no tree", res)
	}
	if s := calc.Summary(); s.RootName != "" || s.NodeCount != 0 || s.LinkCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestPrimPrefersCheaperLinks(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	topo := core.NewTopology(core.WithClock(clock))
	for _, id := range []model.NodeID{"node_1", "node_2", "node_3"} {
		if err := topo.AddNode(id, string(id)); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	// node_1-node_3 directly is slow; going through node_2 is cheaper per hop.
	slow, _ := topo.Connect(model.Endpoint{Node: "node_1", Port: 1}, model.Endpoint{Node: "node_3", Port: 1}, 10, 50)
	fastA, _ := topo.Connect(model.Endpoint{Node: "node_1", Port: 2}, model.Endpoint{Node: "node_2", Port: 1}, 1000, 1)
	fastB, _ := topo.Connect(model.Endpoint{Node: "node_2", Port: 2}, model.Endpoint{Node: "node_3", Port: 2}, 1000, 1)

	res := NewCalculator(topo).Recompute(context.Background())
	inTree := map[model.LinkID]bool{}
	for _, id := range res.Tree {
		inTree[id] = true
	}
	if !inTree[fastA] || !inTree[fastB] || inTree[slow] {
		t.Fatalf("tree = %v, want %s and %s only", res.Tree, fastA, fastB)
	}
}

// TestMSTCycleProperty checks optimality on random graphs: for every Up link
// outside the tree, every tree edge on the path between its endpoints costs
// no more than the link itself.
func TestMSTCycleProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 25; trial++ {
		topo := randomTopology(t, rng, 8, 0.5)
		res := NewCalculator(topo).Recompute(context.Background())
		assertAcyclic(t, topo, res.Tree)

		_ = topo.View(func(g *core.Graph) error {
			for _, l := range g.UpLinks() {
				if g.InSpanningTree(l.ID) {
					continue
				}
				path := treePath(g, l.A.Node, l.B.Node)
				if path == nil {
					continue // endpoint outside the root's component
				}
				for _, edge := range path {
					if g.Link(edge).Cost() > l.Cost() {
						t.Fatalf("trial %d: tree edge %s (%.3f) costlier than non-tree %s (%.3f)",
							trial, edge, g.Link(edge).Cost(), l.ID, l.Cost())
					}
				}
			}
			return nil
		})
	}
}

func randomTopology(t *testing.T, rng *rand.Rand, n int, density float64) *core.Topology {
	t.Helper()
	topo := core.NewTopology(core.WithClock(timectrl.NewManualClock(testStart)))
	for i := 1; i <= n; i++ {
		if err := topo.AddNode(core.MeshNodeID(i), fmt.Sprintf("Node%d", i)); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	port := map[int]model.PortID{}
	for i := 1; i <= n; i++ {
		for j := i + 1; j <= n; j++ {
			if rng.Float64() > density {
				continue
			}
			port[i]++
			port[j]++
			bw := []float64{10, 100, 1000}[rng.Intn(3)]
			lat := float64(rng.Intn(5) + 1)
			id, err := topo.Connect(
				model.Endpoint{Node: core.MeshNodeID(i), Port: port[i]},
				model.Endpoint{Node: core.MeshNodeID(j), Port: port[j]},
				bw, lat,
			)
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if rng.Float64() < 0.15 {
				_ = topo.SetLinkState(id, model.LinkDown)
			}
		}
	}
	return topo
}

// treePath returns the tree edges between a and b, or nil if they are not
// joined by the tree.
func treePath(g *core.Graph, a, b model.NodeID) []model.LinkID {
	type step struct {
		node model.NodeID
		path []model.LinkID
	}
	seen := map[model.NodeID]bool{a: true}
	queue := []step{{node: a}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.node == b {
			if cur.path == nil {
				return []model.LinkID{}
			}
			return cur.path
		}
		for _, id := range g.SpanningTree() {
			l := g.Link(id)
			far, ok := l.Other(cur.node)
			if !ok || seen[far.Node] {
				continue
			}
			seen[far.Node] = true
			queue = append(queue, step{node: far.Node, path: append(append([]model.LinkID(nil), cur.path...), id)})
		}
	}
	return nil
}
