package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

// Topology owns the Graph and serialises every mutation of it. The periodic
// engines and administrative commands all go through Update, so no two
// mutations or recompute passes ever interleave.
type Topology struct {
	mu sync.RWMutex
	g  *Graph

	clock timectrl.Clock
	log   logging.Logger
}

// TopologyOption customises Topology construction.
type TopologyOption func(*Topology)

// WithClock sets the clock used to stamp mutations.
func WithClock(c timectrl.Clock) TopologyOption {
	return func(t *Topology) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger attaches a structured logger for administrative events.
func WithLogger(l logging.Logger) TopologyOption {
	return func(t *Topology) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTopology returns an empty topology.
func NewTopology(opts ...TopologyOption) *Topology {
	t := &Topology{
		g:     NewGraph(),
		clock: timectrl.WallClock{},
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Clock returns the clock the topology stamps mutations with.
func (t *Topology) Clock() timectrl.Clock {
	return t.clock
}

// Update runs fn with exclusive access to the graph. fn must not call back
// into the Topology.
func (t *Topology) Update(fn func(g *Graph) error) error {
	if fn == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.g)
}

// View runs fn with shared access to the graph. fn must treat the graph as
// read-only and must not call back into the Topology.
func (t *Topology) View(fn func(g *Graph) error) error {
	if fn == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(t.g)
}

//
// ---------- Setup ----------
//

// AddNode creates an Active node with the given ports.
func (t *Topology) AddNode(id model.NodeID, name string, ports ...model.PortID) error {
	return t.Update(func(g *Graph) error {
		return g.AddNode(model.NewNode(id, name, t.clock.Now(), ports...))
	})
}

// Connect links two ports and returns the new link ID.
func (t *Topology) Connect(a, b model.Endpoint, bandwidth, latency float64) (model.LinkID, error) {
	var id model.LinkID
	err := t.Update(func(g *Graph) error {
		link, err := g.Connect(a, b, bandwidth, latency, t.clock.Now())
		if err != nil {
			return err
		}
		id = link.ID
		return nil
	})
	return id, err
}

//
// ---------- Queries ----------
//

// Node returns a copy of the node, or ErrNodeNotFound.
func (t *Topology) Node(id model.NodeID) (*model.Node, error) {
	var out *model.Node
	err := t.View(func(g *Graph) error {
		n := g.Node(id)
		if n == nil {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
		}
		out = n.Clone()
		return nil
	})
	return out, err
}

// Link returns a copy of the link, or ErrLinkNotFound.
func (t *Topology) Link(id model.LinkID) (*model.Link, error) {
	var out *model.Link
	err := t.View(func(g *Graph) error {
		l := g.Link(id)
		if l == nil {
			return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// NodeIDs returns every node ID in priority order.
func (t *Topology) NodeIDs() []model.NodeID {
	var out []model.NodeID
	_ = t.View(func(g *Graph) error {
		for _, n := range g.Nodes() {
			out = append(out, n.ID)
		}
		return nil
	})
	return out
}

// LinkIDs returns every link ID in sorted order.
func (t *Topology) LinkIDs() []model.LinkID {
	var out []model.LinkID
	_ = t.View(func(g *Graph) error {
		for _, l := range g.Links() {
			out = append(out, l.ID)
		}
		return nil
	})
	return out
}

// CheckConnectivityToRoot reports whether the node can reach the root.
func (t *Topology) CheckConnectivityToRoot(id model.NodeID) (Connectivity, error) {
	var out Connectivity
	err := t.View(func(g *Graph) error {
		c, err := g.CheckConnectivityToRoot(id)
		out = c
		return err
	})
	return out, err
}

//
// ---------- Administrative commands ----------
//
// None of these recompute the spanning tree; callers request a recompute
// afterwards. A link taken out of Up is pruned from the tree immediately.

// FailNode marks the node Failed.
func (t *Topology) FailNode(id model.NodeID) error {
	return t.Update(func(g *Graph) error {
		n := g.Node(id)
		if n == nil {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
		}
		_ = g.FailNode(n.ID)
		t.log.Info(context.Background(), "node failed", logging.String("node_id", string(id)), logging.String("node_name", n.Name))
		return nil
	})
}

// RecoverNode marks the node Active again.
func (t *Topology) RecoverNode(id model.NodeID) error {
	return t.Update(func(g *Graph) error {
		n := g.Node(id)
		if n == nil {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
		}
		n.SetActive(t.clock.Now())
		t.log.Info(context.Background(), "node recovered", logging.String("node_id", string(id)), logging.String("node_name", n.Name))
		return nil
	})
}

// SetLinkState applies an administrative link state. A link leaving Up is
// pruned from the tree at once; one coming Up has its acknowledgement
// timestamp refreshed.
func (t *Topology) SetLinkState(id model.LinkID, state model.LinkState) error {
	return t.Update(func(g *Graph) error {
		l := g.Link(id)
		if l == nil {
			return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
		}
		l.SetState(state)
		if state == model.LinkUp {
			l.LastAck = t.clock.Now()
		}
		g.PruneLink(id)
		t.log.Info(context.Background(), "link state set", logging.String("link_id", string(id)), logging.String("state", string(state)))
		return nil
	})
}

// ToggleLink flips an Up link Down and anything else Up. It returns the new
// state. Coming Up refreshes the acknowledgement timestamp.
func (t *Topology) ToggleLink(id model.LinkID) (model.LinkState, error) {
	var next model.LinkState
	err := t.Update(func(g *Graph) error {
		l := g.Link(id)
		if l == nil {
			return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
		}
		next = model.LinkUp
		if l.IsUp() {
			next = model.LinkDown
		}
		l.SetState(next)
		if next == model.LinkUp {
			l.LastAck = t.clock.Now()
		}
		g.PruneLink(id)
		t.log.Info(context.Background(), "link toggled", logging.String("link_id", string(id)), logging.String("state", string(next)))
		return nil
	})
	return next, err
}

// InjectLinkFailure forces the link between two named nodes Down.
func (t *Topology) InjectLinkFailure(nameA, nameB string) (model.LinkID, error) {
	var id model.LinkID
	err := t.Update(func(g *Graph) error {
		l, err := g.linkByNames(nameA, nameB)
		if err != nil {
			return err
		}
		l.SetState(model.LinkDown)
		g.PruneLink(l.ID)
		id = l.ID
		return nil
	})
	if err == nil {
		t.log.Info(context.Background(), "link failure injected", logging.String("link_id", string(id)))
	}
	return id, err
}

// InjectLinkRecovery brings the link between two named nodes back Up and
// refreshes its acknowledgement timestamp so the detector sees it alive.
func (t *Topology) InjectLinkRecovery(nameA, nameB string) (model.LinkID, error) {
	var id model.LinkID
	err := t.Update(func(g *Graph) error {
		l, err := g.linkByNames(nameA, nameB)
		if err != nil {
			return err
		}
		l.SetState(model.LinkUp)
		l.LastAck = t.clock.Now()
		id = l.ID
		return nil
	})
	if err == nil {
		t.log.Info(context.Background(), "link recovery injected", logging.String("link_id", string(id)))
	}
	return id, err
}

// InjectNodeFailure fails the node with the given display name.
func (t *Topology) InjectNodeFailure(name string) (model.NodeID, error) {
	var id model.NodeID
	err := t.Update(func(g *Graph) error {
		n := g.NodeByName(name)
		if n == nil {
			return fmt.Errorf("%w: name %q", ErrNodeNotFound, name)
		}
		_ = g.FailNode(n.ID)
		id = n.ID
		return nil
	})
	if err == nil {
		t.log.Info(context.Background(), "node failure injected", logging.String("node_id", string(id)), logging.String("node_name", name))
	}
	return id, err
}

// InjectNodeRecovery re-activates the node with the given display name.
func (t *Topology) InjectNodeRecovery(name string) (model.NodeID, error) {
	var id model.NodeID
	err := t.Update(func(g *Graph) error {
		n := g.NodeByName(name)
		if n == nil {
			return fmt.Errorf("%w: name %q", ErrNodeNotFound, name)
		}
		n.SetActive(t.clock.Now())
		id = n.ID
		return nil
	})
	if err == nil {
		t.log.Info(context.Background(), "node recovery injected", logging.String("node_id", string(id)), logging.String("node_name", name))
	}
	return id, err
}

func (g *Graph) linkByNames(nameA, nameB string) (*model.Link, error) {
	a := g.NodeByName(nameA)
	if a == nil {
		return nil, fmt.Errorf("%w: name %q", ErrNodeNotFound, nameA)
	}
	b := g.NodeByName(nameB)
	if b == nil {
		return nil, fmt.Errorf("%w: name %q", ErrNodeNotFound, nameB)
	}
	l := g.LinkBetween(a.ID, b.ID)
	if l == nil {
		return nil, fmt.Errorf("%w: between %q and %q", ErrLinkNotFound, nameA, nameB)
	}
	return l, nil
}

// LastUpdate returns when the spanning tree was last applied.
func (t *Topology) LastUpdate() time.Time {
	var out time.Time
	_ = t.View(func(g *Graph) error {
		out = g.LastUpdate()
		return nil
	})
	return out
}
