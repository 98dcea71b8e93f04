package core

import (
	"fmt"

	"github.com/signalsfoundry/loopfree-fabric/model"
)

// BlockedBy explains why a node cannot reach the root.
type BlockedBy string

const (
	BlockedNone       BlockedBy = ""
	BlockedNoRoot     BlockedBy = "no_root"
	BlockedNodeFailed BlockedBy = "node_failed"
	BlockedNoPath     BlockedBy = "no_path"
)

// PathHop is one traversed link on a path to the root.
type PathHop struct {
	LinkID    model.LinkID    `json:"link_id"`
	LinkState model.LinkState `json:"link_state"`
	From      model.NodeID    `json:"from_node"`
	To        model.NodeID    `json:"to_node"`
}

// Connectivity is the answer to a reachability query.
type Connectivity struct {
	Reachable bool      `json:"reachable"`
	Path      []PathHop `json:"path"`
	BlockedBy BlockedBy `json:"blocked_by,omitempty"`
	IsRoot    bool      `json:"is_root,omitempty"`
}

// LinkIDs returns the traversed link IDs in order.
func (c Connectivity) LinkIDs() []model.LinkID {
	out := make([]model.LinkID, 0, len(c.Path))
	for _, hop := range c.Path {
		out = append(out, hop.LinkID)
	}
	return out
}

// CheckConnectivityToRoot runs a breadth-first search from id over Up links,
// visiting only Active nodes. It reflects raw graph reachability and ignores
// the spanning tree.
func (g *Graph) CheckConnectivityToRoot(id model.NodeID) (Connectivity, error) {
	start := g.nodes[id]
	if start == nil {
		return Connectivity{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	root := g.Root()
	if root == nil {
		return Connectivity{Path: []PathHop{}, BlockedBy: BlockedNoRoot}, nil
	}
	if start.ID == root.ID {
		return Connectivity{Reachable: true, Path: []PathHop{}, IsRoot: true}, nil
	}
	if !start.IsActive() {
		return Connectivity{Path: []PathHop{}, BlockedBy: BlockedNodeFailed}, nil
	}

	type queued struct {
		id   model.NodeID
		path []PathHop
	}
	visited := map[model.NodeID]bool{start.ID: true}
	queue := []queued{{id: start.ID}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.id == root.ID {
			return Connectivity{Reachable: true, Path: cur.path}, nil
		}
		for _, nb := range g.NeighborsOf(cur.id) {
			if visited[nb.Node.ID] {
				continue
			}
			visited[nb.Node.ID] = true
			path := append(append([]PathHop(nil), cur.path...), PathHop{
				LinkID:    nb.Link.ID,
				LinkState: nb.Link.State,
				From:      cur.id,
				To:        nb.Node.ID,
			})
			queue = append(queue, queued{id: nb.Node.ID, path: path})
		}
	}
	return Connectivity{Path: []PathHop{}, BlockedBy: BlockedNoPath}, nil
}

// AllConnectivity returns the connectivity of every node except the root.
func (g *Graph) AllConnectivity() map[model.NodeID]Connectivity {
	out := make(map[model.NodeID]Connectivity, len(g.nodes))
	for _, n := range g.Nodes() {
		if n.ID == g.root {
			continue
		}
		c, err := g.CheckConnectivityToRoot(n.ID)
		if err != nil {
			continue
		}
		out[n.ID] = c
	}
	return out
}
