package core

import (
	"time"

	"github.com/signalsfoundry/loopfree-fabric/model"
)

// PortSnapshot is the externally visible state of one port.
type PortSnapshot struct {
	PortID  model.PortID    `json:"port_id"`
	State   model.PortState `json:"state"`
	HasLink bool            `json:"has_link"`
	LinkID  model.LinkID    `json:"link_id,omitempty"`
}

// NodeSnapshot is the externally visible state of one node.
type NodeSnapshot struct {
	ID           model.NodeID    `json:"node_id"`
	Name         string          `json:"node_name"`
	State        model.NodeState `json:"state"`
	IsRoot       bool            `json:"is_root"`
	RootID       model.NodeID    `json:"root_id,omitempty"`
	RootPathCost uint32          `json:"root_path_cost"`
	Ports        []PortSnapshot  `json:"ports"`
	Connectivity Connectivity    `json:"connectivity"`
}

// LinkSnapshot is the externally visible state of one link.
type LinkSnapshot struct {
	ID        model.LinkID    `json:"link_id"`
	State     model.LinkState `json:"state"`
	Bandwidth float64         `json:"bandwidth"`
	Latency   float64         `json:"latency"`
	FailCount int             `json:"lacp_fail_count"`
	Nodes     [2]model.NodeID `json:"nodes"`
	InTree    bool            `json:"in_spanning_tree"`
}

// ConnectivitySummary counts reachable and unreachable non-root nodes.
type ConnectivitySummary struct {
	TotalNodes       int `json:"total_nodes"`
	ReachableNodes   int `json:"reachable_nodes"`
	UnreachableNodes int `json:"unreachable_nodes"`
}

// Snapshot is a copy-on-read view of the whole topology. It shares no
// memory with the live graph.
type Snapshot struct {
	Nodes        []NodeSnapshot      `json:"nodes"`
	Links        []LinkSnapshot      `json:"links"`
	SpanningTree []model.LinkID      `json:"spanning_tree"`
	RootID       model.NodeID        `json:"root_node,omitempty"`
	LastUpdate   time.Time           `json:"last_update"`
	Summary      ConnectivitySummary `json:"connectivity_summary"`
}

// Node returns the snapshot of a node by ID.
func (s *Snapshot) Node(id model.NodeID) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// Link returns the snapshot of a link by ID.
func (s *Snapshot) Link(id model.LinkID) (LinkSnapshot, bool) {
	for _, l := range s.Links {
		if l.ID == id {
			return l, true
		}
	}
	return LinkSnapshot{}, false
}

// Snapshot returns a coherent copy of the current topology state.
func (t *Topology) Snapshot() *Snapshot {
	var snap *Snapshot
	_ = t.View(func(g *Graph) error {
		snap = g.snapshot()
		return nil
	})
	return snap
}

func (g *Graph) snapshot() *Snapshot {
	conn := g.AllConnectivity()
	snap := &Snapshot{
		Nodes:        make([]NodeSnapshot, 0, len(g.nodes)),
		Links:        make([]LinkSnapshot, 0, len(g.links)),
		SpanningTree: g.SpanningTree(),
		RootID:       g.root,
		LastUpdate:   g.lastUpdate,
	}

	for _, n := range g.Nodes() {
		ns := NodeSnapshot{
			ID:           n.ID,
			Name:         n.Name,
			State:        n.State,
			IsRoot:       n.IsRoot,
			RootID:       n.RootID,
			RootPathCost: n.RootPathCost,
		}
		for _, p := range n.OrderedPorts() {
			ns.Ports = append(ns.Ports, PortSnapshot{
				PortID:  p.ID,
				State:   p.State,
				HasLink: p.HasLink(),
				LinkID:  p.LinkID,
			})
		}
		switch c, ok := conn[n.ID]; {
		case ok:
			ns.Connectivity = c
		case n.ID == g.root:
			ns.Connectivity = Connectivity{Reachable: true, Path: []PathHop{}, IsRoot: true}
		default:
			ns.Connectivity = Connectivity{Path: []PathHop{}, BlockedBy: BlockedNoRoot}
		}
		snap.Nodes = append(snap.Nodes, ns)
	}

	for _, l := range g.Links() {
		snap.Links = append(snap.Links, LinkSnapshot{
			ID:        l.ID,
			State:     l.State,
			Bandwidth: l.Bandwidth,
			Latency:   l.Latency,
			FailCount: l.FailCount,
			Nodes:     [2]model.NodeID{l.A.Node, l.B.Node},
			InTree:    g.InSpanningTree(l.ID),
		})
	}

	snap.Summary.TotalNodes = len(g.nodes)
	for _, c := range conn {
		if c.Reachable {
			snap.Summary.ReachableNodes++
		} else {
			snap.Summary.UnreachableNodes++
		}
	}
	return snap
}
