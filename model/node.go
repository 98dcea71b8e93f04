package model

import (
	"sort"
	"time"
)

// NodeState is the liveness flag of a node.
type NodeState string

const (
	NodeActive NodeState = "ACTIVE"
	NodeFailed NodeState = "FAILED"
)

// Node is a bridge in the fabric together with its protocol beliefs
// (which node is root, how far away it is, through which port).
type Node struct {
	ID    NodeID    `json:"node_id"`
	Name  string    `json:"node_name"`
	State NodeState `json:"state"`

	Ports map[PortID]*Port `json:"ports"`
	// PortOrder keeps ports in the order they were added.
	PortOrder []PortID `json:"-"`

	IsRoot       bool   `json:"is_root"`
	RootID       NodeID `json:"root_id,omitempty"`
	RootPathCost uint32 `json:"root_path_cost"`
	ParentPort   PortID `json:"parent_port,omitempty"`
	HasParent    bool   `json:"has_parent"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NewNode creates an Active node with the given ports.
func NewNode(id NodeID, name string, now time.Time, ports ...PortID) *Node {
	n := &Node{
		ID:            id,
		Name:          name,
		State:         NodeActive,
		Ports:         make(map[PortID]*Port, len(ports)),
		LastHeartbeat: now,
	}
	for _, p := range ports {
		n.AddPort(p)
	}
	return n
}

// AddPort returns the port with the given ID, creating it if needed.
func (n *Node) AddPort(id PortID) *Port {
	if p, ok := n.Ports[id]; ok {
		return p
	}
	if n.Ports == nil {
		n.Ports = make(map[PortID]*Port)
	}
	p := NewPort(id, n.ID)
	n.Ports[id] = p
	n.PortOrder = append(n.PortOrder, id)
	return p
}

// Port returns the port with the given ID or nil.
func (n *Node) Port(id PortID) *Port {
	return n.Ports[id]
}

// OrderedPorts returns the ports in insertion order.
func (n *Node) OrderedPorts() []*Port {
	out := make([]*Port, 0, len(n.Ports))
	for _, id := range n.PortOrder {
		if p, ok := n.Ports[id]; ok {
			out = append(out, p)
		}
	}
	if len(out) != len(n.Ports) {
		// Ports inserted directly into the map bypass PortOrder.
		out = out[:0]
		for _, p := range n.Ports {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}

// ActivePorts returns ports that are not Disabled.
func (n *Node) ActivePorts() []*Port {
	var out []*Port
	for _, p := range n.OrderedPorts() {
		if p.State != PortDisabled {
			out = append(out, p)
		}
	}
	return out
}

// ForwardingPorts returns ports currently in the spanning tree.
func (n *Node) ForwardingPorts() []*Port {
	var out []*Port
	for _, p := range n.OrderedPorts() {
		if p.State == PortForwarding {
			out = append(out, p)
		}
	}
	return out
}

// IsActive reports whether the node is Active.
func (n *Node) IsActive() bool {
	return n.State == NodeActive
}

// SetFailed marks the node Failed, disables all of its ports and forgets its
// root belief. A failed node is never root.
func (n *Node) SetFailed() {
	n.State = NodeFailed
	for _, p := range n.Ports {
		p.State = PortDisabled
	}
	n.IsRoot = false
	n.ClearRoot()
}

// SetActive marks the node Active and refreshes its heartbeat.
func (n *Node) SetActive(now time.Time) {
	n.State = NodeActive
	n.LastHeartbeat = now
}

// Touch refreshes the heartbeat timestamp.
func (n *Node) Touch(now time.Time) {
	n.LastHeartbeat = now
}

// IsAlive reports whether the node is Active and was heard from within timeout.
func (n *Node) IsAlive(now time.Time, timeout time.Duration) bool {
	if n.State == NodeFailed {
		return false
	}
	return now.Sub(n.LastHeartbeat) < timeout
}

// MakeRoot records that this node is the root of the tree.
func (n *Node) MakeRoot() {
	n.IsRoot = true
	n.RootID = n.ID
	n.RootPathCost = 0
	n.HasParent = false
	n.ParentPort = 0
}

// ClearRoot drops the node's root belief.
func (n *Node) ClearRoot() {
	n.RootID = ""
	n.RootPathCost = 0
	n.HasParent = false
	n.ParentPort = 0
}

// SetParent records the port towards the root.
func (n *Node) SetParent(port PortID) {
	n.ParentPort = port
	n.HasParent = true
}

// Clone returns a deep copy suitable for handing out of a locked section.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Ports = make(map[PortID]*Port, len(n.Ports))
	for id, p := range n.Ports {
		pc := *p
		cp.Ports[id] = &pc
	}
	cp.PortOrder = append([]PortID(nil), n.PortOrder...)
	return &cp
}
