package bpdu

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

var testStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type countingMetrics struct {
	mu       sync.Mutex
	results  map[string]int
	liveness int
	panics   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{results: map[string]int{}, panics: map[string]int{}}
}

func (m *countingMetrics) ObserveControlMessage(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result]++
}

func (m *countingMetrics) ObserveLivenessFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness++
}

func (m *countingMetrics) ObserveCallbackPanic(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[source]++
}

// newLine builds node_1 - node_2 - ... - node_n, each node reaching its
// left neighbour on port 1 and its right neighbour on port 2.
func newLine(t *testing.T, n int) (*core.Topology, *timectrl.ManualClock) {
	t.Helper()
	clock := timectrl.NewManualClock(testStart)
	topo := core.NewTopology(core.WithClock(clock))
	for i := 1; i <= n; i++ {
		if err := topo.AddNode(core.MeshNodeID(i), ""); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	for i := 1; i < n; i++ {
		a := model.Endpoint{Node: core.MeshNodeID(i), Port: 2}
		b := model.Endpoint{Node: core.MeshNodeID(i + 1), Port: 1}
		if _, err := topo.Connect(a, b, 1000, 1); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return topo, clock
}

func mustNode(t *testing.T, topo *core.Topology, id model.NodeID) *model.Node {
	t.Helper()
	n, err := topo.Node(id)
	if err != nil {
		t.Fatalf("Node(%s): %v", id, err)
	}
	return n
}

func TestTickConvergesFullMesh(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	topo, err := core.FullMesh(4, 1000, 1, core.WithClock(clock))
	if err != nil {
		t.Fatalf("FullMesh: %v", err)
	}
	e := NewEngine(topo)

	e.Tick(context.Background())

	root := mustNode(t, topo, "node_1")
	if root.RootID != "node_1" || root.RootPathCost != 0 || root.HasParent {
		t.Fatalf("node_1 belief = root %s cost %d parent %v", root.RootID, root.RootPathCost, root.HasParent)
	}
	for _, id := range []model.NodeID{"node_2", "node_3", "node_4"} {
		n := mustNode(t, topo, id)
		if n.RootID != "node_1" || n.RootPathCost != 1 {
			t.Fatalf("%s belief = root %s cost %d", id, n.RootID, n.RootPathCost)
		}
		// Every mesh node reaches node_1 on port 1.
		if !n.HasParent || n.ParentPort != 1 {
			t.Fatalf("%s parent = %d (set %v), want port 1", id, n.ParentPort, n.HasParent)
		}
	}
	if p := root.Port(1); p.BPDUCount == 0 || !p.LastBPDU.Equal(testStart) {
		t.Fatalf("receipt not recorded on node_1 port 1: %+v", p)
	}
}

func TestTickPropagatesCostAlongLine(t *testing.T) {
	topo, _ := newLine(t, 4)
	e := NewEngine(topo)

	for i := 0; i < 3; i++ {
		e.Tick(context.Background())
	}
	for i, want := range []uint32{0, 1, 2, 3} {
		n := mustNode(t, topo, core.MeshNodeID(i+1))
		if n.RootID != "node_1" || n.RootPathCost != want {
			t.Fatalf("%s = root %s cost %d, want node_1 cost %d", n.ID, n.RootID, n.RootPathCost, want)
		}
	}
}

func TestReceiveAdoptsStrictlyBetterRoot(t *testing.T) {
	topo, _ := newLine(t, 3)
	e := NewEngine(topo)
	to := model.PortRef{Node: "node_3", Port: 1}

	e.Receive(context.Background(), to, Message{ProtocolID: ProtocolID, RootID: "node_3", SenderID: "node_2", Cost: 0})
	e.Receive(context.Background(), to, Message{ProtocolID: ProtocolID, RootID: "node_2", SenderID: "node_2", Cost: 4})

	n := mustNode(t, topo, "node_3")
	if n.RootID != "node_2" || n.RootPathCost != 5 || n.ParentPort != 1 {
		t.Fatalf("belief = root %s cost %d parent %d", n.RootID, n.RootPathCost, n.ParentPort)
	}

	// A worse root is ignored.
	e.Receive(context.Background(), to, Message{ProtocolID: ProtocolID, RootID: "node_9", SenderID: "node_2"})
	if n := mustNode(t, topo, "node_3"); n.RootID != "node_2" {
		t.Fatalf("worse claim replaced belief: %s", n.RootID)
	}
}

func TestReceiveSaturatesMaximumCost(t *testing.T) {
	topo, _ := newLine(t, 3)
	e := NewEngine(topo)
	to := model.PortRef{Node: "node_3", Port: 1}

	e.Receive(context.Background(), to, Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_2", Cost: math.MaxUint32})

	n := mustNode(t, topo, "node_3")
	if n.RootID != "node_1" || n.RootPathCost != math.MaxUint32 {
		t.Fatalf("belief = root %s cost %d, want node_1 at max cost", n.RootID, n.RootPathCost)
	}
}

func TestReceiveEqualCostTieBreak(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	topo := core.NewTopology(core.WithClock(clock))
	for _, id := range []model.NodeID{"node_1", "node_2", "node_3", "node_5"} {
		_ = topo.AddNode(id, "")
	}
	_, _ = topo.Connect(model.Endpoint{Node: "node_2", Port: 1}, model.Endpoint{Node: "node_3", Port: 1}, 1000, 1)
	_, _ = topo.Connect(model.Endpoint{Node: "node_5", Port: 1}, model.Endpoint{Node: "node_3", Port: 2}, 1000, 1)
	_ = topo.Update(func(g *core.Graph) error {
		n := g.Node("node_3")
		n.RootID, n.RootPathCost = "node_1", 3
		n.SetParent(2)
		return nil
	})

	var changes int
	e := NewEngine(topo)
	e.OnTopologyChange(func() { changes++ })

	// Equal cost from a larger sender keeps the parent.
	e.Receive(context.Background(), model.PortRef{Node: "node_3", Port: 2},
		Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_5", Cost: 2})
	if n := mustNode(t, topo, "node_3"); n.ParentPort != 2 || changes != 0 {
		t.Fatalf("parent = %d changes = %d after larger sender", n.ParentPort, changes)
	}

	// Equal cost from a smaller sender moves the parent, cost unchanged.
	e.Receive(context.Background(), model.PortRef{Node: "node_3", Port: 1},
		Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_2", Cost: 2})
	n := mustNode(t, topo, "node_3")
	if n.ParentPort != 1 || n.RootPathCost != 3 || changes != 1 {
		t.Fatalf("parent = %d cost = %d changes = %d after smaller sender", n.ParentPort, n.RootPathCost, changes)
	}

	// Cheaper path wins regardless of sender.
	e.Receive(context.Background(), model.PortRef{Node: "node_3", Port: 2},
		Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_5", Cost: 0})
	n = mustNode(t, topo, "node_3")
	if n.ParentPort != 2 || n.RootPathCost != 1 || changes != 2 {
		t.Fatalf("parent = %d cost = %d changes = %d after cheaper path", n.ParentPort, n.RootPathCost, changes)
	}
}

func TestLivenessFailsSilentNode(t *testing.T) {
	topo, clock := newLine(t, 2)
	if err := topo.AddNode("node_3", "lonely"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	metrics := newCountingMetrics()
	e := NewEngine(topo, WithMetrics(metrics))

	var failed []model.NodeID
	var changes int
	e.OnNodeFailure(func(n model.Node) { failed = append(failed, n.ID) })
	e.OnTopologyChange(func() { changes++ })

	for i := 0; i < 8; i++ {
		clock.Advance(500 * time.Millisecond)
		e.Tick(context.Background())
	}

	if len(failed) != 1 || failed[0] != "node_3" {
		t.Fatalf("failed = %v, want [node_3]", failed)
	}
	if n := mustNode(t, topo, "node_3"); n.IsActive() {
		t.Fatalf("node_3 still active")
	}
	for _, id := range []model.NodeID{"node_1", "node_2"} {
		if !mustNode(t, topo, id).IsActive() {
			t.Fatalf("%s failed although it kept sending", id)
		}
	}
	if metrics.liveness != 1 {
		t.Fatalf("liveness failures = %d, want 1", metrics.liveness)
	}
	if changes == 0 {
		t.Fatalf("no topology change reported")
	}
	if st := e.Status(); st.NodeCount != 3 || st.ActiveNodes != 2 || st.FailedNodes != 1 || st.Running {
		t.Fatalf("status = %+v", st)
	}
}

func TestTrackLimitsLivenessSet(t *testing.T) {
	topo, clock := newLine(t, 2)
	_ = topo.AddNode("node_3", "")
	_ = topo.AddNode("node_4", "")
	e := NewEngine(topo)
	if err := e.Track("node_1", "node_2", "node_3"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := e.Track("ghost"); err == nil {
		t.Fatalf("Track(ghost) should fail")
	}

	clock.Advance(4 * time.Second)
	e.Tick(context.Background())

	if mustNode(t, topo, "node_3").IsActive() {
		t.Fatalf("tracked silent node_3 still active")
	}
	if !mustNode(t, topo, "node_4").IsActive() {
		t.Fatalf("untracked node_4 was failed")
	}
	if st := e.Status(); st.NodeCount != 3 {
		t.Fatalf("status node count = %d, want 3", st.NodeCount)
	}
}

func TestStaleMessageDoesNotRefreshSender(t *testing.T) {
	topo, clock := newLine(t, 2)
	metrics := newCountingMetrics()
	e := NewEngine(topo, WithMetrics(metrics))
	clock.Advance(time.Second)

	e.Receive(context.Background(), model.PortRef{Node: "node_2", Port: 1}, Message{
		ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_1", Age: 10, MaxAge: 3 * time.Second,
	})

	if hb := mustNode(t, topo, "node_1").LastHeartbeat; !hb.Equal(testStart) {
		t.Fatalf("stale message refreshed sender heartbeat to %v", hb)
	}
	// Cost comparison still applies.
	if n := mustNode(t, topo, "node_2"); n.RootID != "node_1" || n.RootPathCost != 1 {
		t.Fatalf("stale message not processed: root %s cost %d", n.RootID, n.RootPathCost)
	}
	if metrics.results[ResultStale] != 1 || metrics.results[ResultProcessed] != 0 {
		t.Fatalf("results = %v", metrics.results)
	}
}

func TestReceiveFrameDropsMalformed(t *testing.T) {
	topo, _ := newLine(t, 2)
	metrics := newCountingMetrics()
	e := NewEngine(topo, WithMetrics(metrics))
	to := model.PortRef{Node: "node_2", Port: 1}

	e.ReceiveFrame(context.Background(), to, []byte("not a control message"))
	bad, _ := Message{ProtocolID: 0x1234, RootID: "node_1", SenderID: "node_1"}.MarshalBinary()
	e.ReceiveFrame(context.Background(), to, bad)

	if metrics.results[ResultDropped] != 2 {
		t.Fatalf("dropped = %d, want 2", metrics.results[ResultDropped])
	}
	if n := mustNode(t, topo, "node_2"); n.RootID != "" {
		t.Fatalf("malformed frame changed belief to %s", n.RootID)
	}

	good, _ := Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_1"}.MarshalBinary()
	e.ReceiveFrame(context.Background(), to, good)
	if n := mustNode(t, topo, "node_2"); n.RootID != "node_1" {
		t.Fatalf("valid frame not applied")
	}
}

func TestFailedReceiverIgnoresMessages(t *testing.T) {
	topo, _ := newLine(t, 2)
	if err := topo.FailNode("node_2"); err != nil {
		t.Fatalf("FailNode: %v", err)
	}
	e := NewEngine(topo)
	e.Tick(context.Background())

	if n := mustNode(t, topo, "node_2"); n.RootID != "" {
		t.Fatalf("failed node adopted root %s", n.RootID)
	}
}

func TestWireEncodingConvergesLikeDirectDelivery(t *testing.T) {
	topo, _ := newLine(t, 3)
	metrics := newCountingMetrics()
	e := NewEngine(topo, WithWireEncoding(true), WithMetrics(metrics))
	e.Tick(context.Background())

	if n := mustNode(t, topo, "node_3"); n.RootID != "node_1" || n.RootPathCost != 2 {
		t.Fatalf("node_3 = root %s cost %d", n.RootID, n.RootPathCost)
	}
	if metrics.results[ResultDropped] != 0 || metrics.results[ResultProcessed] != 4 {
		t.Fatalf("results = %v", metrics.results)
	}
}

func TestObserverPanicIsIsolated(t *testing.T) {
	topo, _ := newLine(t, 2)
	metrics := newCountingMetrics()
	e := NewEngine(topo, WithMetrics(metrics))

	var order []string
	e.OnTopologyChange(func() {
		order = append(order, "first")
		panic("boom")
	})
	e.OnTopologyChange(func() { order = append(order, "second") })

	e.Receive(context.Background(), model.PortRef{Node: "node_2", Port: 1},
		Message{ProtocolID: ProtocolID, RootID: "node_1", SenderID: "node_1"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("observer order = %v", order)
	}
	if metrics.panics["bpdu_topology_change"] != 1 {
		t.Fatalf("panics = %v", metrics.panics)
	}
}

func TestRunStopsOnStop(t *testing.T) {
	topo, _ := newLine(t, 2)
	e := NewEngine(topo, WithHelloInterval(5*time.Millisecond), WithMaxAge(time.Hour))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !e.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("engine never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.Run(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Run err = %v, want ErrAlreadyRunning", err)
	}

	e.Stop()
	if e.Running() {
		t.Fatalf("still running after Stop")
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}
