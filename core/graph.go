package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/model"
)

var (
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeNotFound = errors.New("node not found")
	ErrNodeInvalid  = errors.New("invalid node")
	ErrLinkExists   = errors.New("link already exists")
	ErrLinkNotFound = errors.New("link not found")
	ErrLinkInvalid  = errors.New("invalid link")
	ErrPortInUse    = errors.New("port already has a link")
)

// Graph is the arena holding every node and link of the fabric. Nodes, ports
// and links refer to each other by ID only.
//
// Graph is not safe for concurrent use; reach it through Topology.Update or
// Topology.View.
type Graph struct {
	nodes map[model.NodeID]*model.Node
	links map[model.LinkID]*model.Link

	root       model.NodeID
	tree       map[model.LinkID]struct{}
	lastUpdate time.Time
}

// NewGraph returns an empty arena.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[model.NodeID]*model.Node),
		links: make(map[model.LinkID]*model.Link),
		tree:  make(map[model.LinkID]struct{}),
	}
}

//
// ---------- Nodes ----------
//

// AddNode inserts n. Ports already present on n are kept.
func (g *Graph) AddNode(n *model.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: empty node ID", ErrNodeInvalid)
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	if n.Ports == nil {
		n.Ports = make(map[model.PortID]*model.Port)
	}
	if n.State == "" {
		n.State = model.NodeActive
	}
	g.nodes[n.ID] = n
	return nil
}

// Node returns the node with the given ID, or nil if not found.
func (g *Graph) Node(id model.NodeID) *model.Node {
	return g.nodes[id]
}

// NodeByName returns the first node carrying the display name, or nil.
func (g *Graph) NodeByName(name string) *model.Node {
	for _, n := range g.Nodes() {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Nodes returns all nodes ordered by priority.
func (g *Graph) Nodes() []*model.Node {
	out := make([]*model.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// ActiveNodes returns the Active nodes ordered by priority.
func (g *Graph) ActiveNodes() []*model.Node {
	var out []*model.Node
	for _, n := range g.Nodes() {
		if n.IsActive() {
			out = append(out, n)
		}
	}
	return out
}

// FailNode marks the node Failed and clears the root if it was the root.
func (g *Graph) FailNode(id model.NodeID) error {
	n := g.nodes[id]
	if n == nil {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	n.SetFailed()
	if g.root == id {
		g.root = ""
	}
	return nil
}

// isActive reports whether id names an Active node.
func (g *Graph) isActive(id model.NodeID) bool {
	n := g.nodes[id]
	return n != nil && n.IsActive()
}

//
// ---------- Links ----------
//

// Connect creates an Up link between two ports, creating the ports on their
// nodes when they do not exist yet.
func (g *Graph) Connect(a, b model.Endpoint, bandwidth, latency float64, now time.Time) (*model.Link, error) {
	if a == b {
		return nil, fmt.Errorf("%w: both ends are %s", ErrLinkInvalid, a)
	}
	na, nb := g.nodes[a.Node], g.nodes[b.Node]
	if na == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, a.Node)
	}
	if nb == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, b.Node)
	}

	link := model.NewLink(a, b, bandwidth, latency, now)
	if _, exists := g.links[link.ID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrLinkExists, link.ID)
	}

	pa, pb := na.AddPort(a.Port), nb.AddPort(b.Port)
	if pa.HasLink() {
		return nil, fmt.Errorf("%w: %s", ErrPortInUse, a)
	}
	if pb.HasLink() {
		return nil, fmt.Errorf("%w: %s", ErrPortInUse, b)
	}
	pa.Attach(link.ID)
	pb.Attach(link.ID)
	if !na.IsActive() {
		pa.State = model.PortDisabled
	}
	if !nb.IsActive() {
		pb.State = model.PortDisabled
	}

	g.links[link.ID] = link
	return link, nil
}

// Link returns the link with the given ID, or nil if not found.
func (g *Graph) Link(id model.LinkID) *model.Link {
	return g.links[id]
}

// Links returns every link ordered by ID.
func (g *Graph) Links() []*model.Link {
	out := make([]*model.Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpLinks returns the Up links ordered by ID.
func (g *Graph) UpLinks() []*model.Link {
	var out []*model.Link
	for _, l := range g.Links() {
		if l.IsUp() {
			out = append(out, l)
		}
	}
	return out
}

// NodeLinks returns every link touching the node, whatever its state.
func (g *Graph) NodeLinks(id model.NodeID) []*model.Link {
	var out []*model.Link
	for _, l := range g.Links() {
		if l.Touches(id) {
			out = append(out, l)
		}
	}
	return out
}

// LinkBetween returns the first link (by ID) joining the two nodes.
func (g *Graph) LinkBetween(x, y model.NodeID) *model.Link {
	for _, l := range g.Links() {
		if l.Joins(x, y) {
			return l
		}
	}
	return nil
}

// PortLink resolves the link attached to a port, or nil.
func (g *Graph) PortLink(ref model.PortRef) *model.Link {
	n := g.nodes[ref.Node]
	if n == nil {
		return nil
	}
	p := n.Port(ref.Port)
	if p == nil || !p.HasLink() {
		return nil
	}
	return g.links[p.LinkID]
}

// Port resolves a port reference, or nil.
func (g *Graph) Port(ref model.PortRef) *model.Port {
	n := g.nodes[ref.Node]
	if n == nil {
		return nil
	}
	return n.Port(ref.Port)
}

//
// ---------- Neighbours & root ----------
//

// Neighbor is an Active node adjacent over an Up link.
type Neighbor struct {
	Node *model.Node
	Link *model.Link
}

// NeighborsOf returns, for each Up link touching id, the Active node at the
// other end.
func (g *Graph) NeighborsOf(id model.NodeID) []Neighbor {
	var out []Neighbor
	for _, l := range g.Links() {
		if !l.IsUp() {
			continue
		}
		far, ok := l.Other(id)
		if !ok {
			continue
		}
		if n := g.nodes[far.Node]; n != nil && n.IsActive() {
			out = append(out, Neighbor{Node: n, Link: l})
		}
	}
	return out
}

// ElectRoot makes the Active node with the smallest ID the root. With no
// Active nodes the root is cleared together with the spanning tree.
// Non-root nodes believing in a Failed root forget that belief.
func (g *Graph) ElectRoot() *model.Node {
	active := g.ActiveNodes()
	if len(active) == 0 {
		g.root = ""
		g.tree = make(map[model.LinkID]struct{})
		for _, n := range g.nodes {
			n.IsRoot = false
		}
		return nil
	}

	// ActiveNodes is already in priority order.
	root := active[0]
	root.MakeRoot()
	for _, n := range g.nodes {
		if n == root {
			continue
		}
		n.IsRoot = false
		// A former root still claiming itself would contradict the election.
		if n.RootID == n.ID {
			n.ClearRoot()
		}
		// A belief in a node that is no longer Active can never be displaced
		// by a worse claim, so drop it and let the next hello re-adopt.
		if n.RootID != "" && !g.isActive(n.RootID) {
			n.ClearRoot()
		}
	}
	g.root = root.ID
	return root
}

// Root returns the current root node, or nil.
func (g *Graph) Root() *model.Node {
	if g.root == "" {
		return nil
	}
	return g.nodes[g.root]
}

// RootID returns the current root ID, empty when unset.
func (g *Graph) RootID() model.NodeID {
	return g.root
}

//
// ---------- Spanning tree ----------
//

// InSpanningTree reports whether the link is a tree edge.
func (g *Graph) InSpanningTree(id model.LinkID) bool {
	_, ok := g.tree[id]
	return ok
}

// SpanningTree returns the tree edge IDs in sorted order.
func (g *Graph) SpanningTree() []model.LinkID {
	out := make([]model.LinkID, 0, len(g.tree))
	for id := range g.tree {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplySpanningTree replaces the tree with set and rewrites every port
// state from it: linked ports of Active nodes forward when their link is in
// the tree and block otherwise; unlinked ports and ports of Failed nodes are
// Disabled. Links that are not Up are never kept in the tree.
func (g *Graph) ApplySpanningTree(set map[model.LinkID]struct{}, now time.Time) {
	tree := make(map[model.LinkID]struct{}, len(set))
	for id := range set {
		if l := g.links[id]; l != nil && l.IsUp() {
			tree[id] = struct{}{}
		}
	}
	g.tree = tree
	g.lastUpdate = now

	for _, n := range g.nodes {
		for _, p := range n.Ports {
			switch {
			case !n.IsActive() || !p.HasLink():
				p.State = model.PortDisabled
			case g.InSpanningTree(p.LinkID):
				p.State = model.PortForwarding
			default:
				p.State = model.PortBlocking
			}
		}
	}
}

// PruneLink drops a link that is no longer Up from the tree and blocks its
// ports on Active nodes. It reports whether the tree changed. Up links and
// links outside the tree are left alone.
func (g *Graph) PruneLink(id model.LinkID) bool {
	l := g.links[id]
	if l == nil || l.IsUp() {
		return false
	}
	if _, ok := g.tree[id]; !ok {
		return false
	}
	delete(g.tree, id)
	for _, ep := range []model.Endpoint{l.A, l.B} {
		n := g.nodes[ep.Node]
		if n == nil || !n.IsActive() {
			continue
		}
		if p := n.Port(ep.Port); p != nil {
			p.State = model.PortBlocking
		}
	}
	return true
}

// LastUpdate returns when the spanning tree was last applied.
func (g *Graph) LastUpdate() time.Time {
	return g.lastUpdate
}
