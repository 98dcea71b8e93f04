package stp

import (
	"container/heap"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/model"
)

// candidate is a frontier edge leading to a not-yet-visited node.
type candidate struct {
	cost float64
	link model.LinkID
	to   model.NodeID
}

// frontier is a min-heap keyed by (cost, link ID) so equal costs break ties
// deterministically.
type frontier []candidate

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	return f[i].link < f[j].link
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(candidate)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

// PrimMST computes the minimum-cost spanning tree of the elected root's
// component over Up links between Active nodes. Nodes outside that
// component are left out; the result is empty when no root is elected.
func PrimMST(g *core.Graph) map[model.LinkID]struct{} {
	tree := make(map[model.LinkID]struct{})
	root := g.Root()
	if root == nil || !root.IsActive() {
		return tree
	}

	active := g.ActiveNodes()
	visited := map[model.NodeID]bool{root.ID: true}
	f := &frontier{}
	push := func(from model.NodeID) {
		for _, nb := range g.NeighborsOf(from) {
			if visited[nb.Node.ID] {
				continue
			}
			heap.Push(f, candidate{cost: nb.Link.Cost(), link: nb.Link.ID, to: nb.Node.ID})
		}
	}
	push(root.ID)

	for f.Len() > 0 && len(visited) < len(active) {
		c := heap.Pop(f).(candidate)
		if visited[c.to] {
			continue
		}
		visited[c.to] = true
		tree[c.link] = struct{}{}
		push(c.to)
	}
	return tree
}
