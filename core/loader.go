// core/loader.go
package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/signalsfoundry/loopfree-fabric/model"
	"gopkg.in/yaml.v3"
)

// TopologySummary is a small summary of what was loaded. It's mainly useful
// for logging from main().
type TopologySummary struct {
	NodeIDs []model.NodeID
	LinkIDs []model.LinkID
}

// Defaults applied to links that omit bandwidth or latency.
const (
	DefaultBandwidth = 1000.0
	DefaultLatency   = 1.0
)

// internal YAML shapes – keep them unexported so we're free to evolve them.
type topologyYAML struct {
	Nodes []nodeYAML `yaml:"nodes"`
	Links []linkYAML `yaml:"links"`
}

type nodeYAML struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Ports []model.PortID `yaml:"ports"`
	// Failed lets a scenario start with a node already down.
	Failed bool `yaml:"failed"`
}

type linkYAML struct {
	A         model.Endpoint `yaml:"a"`
	B         model.Endpoint `yaml:"b"`
	Bandwidth *float64       `yaml:"bandwidth"`
	Latency   *float64       `yaml:"latency"`
	Down      bool           `yaml:"down"`
}

// LoadTopology reads a YAML topology description from r into a new
// Topology. Unlike the lenient JSON scenario loaders it validates as it
// goes: duplicate IDs, unknown nodes and reused ports are errors.
func LoadTopology(r io.Reader, opts ...TopologyOption) (*Topology, *TopologySummary, error) {
	var payload topologyYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("LoadTopology: decode failed: %w", err)
	}

	topo := NewTopology(opts...)
	summary := &TopologySummary{
		NodeIDs: make([]model.NodeID, 0, len(payload.Nodes)),
		LinkIDs: make([]model.LinkID, 0, len(payload.Links)),
	}

	err := topo.Update(func(g *Graph) error {
		now := topo.clock.Now()

		// 1) Nodes
		for _, yn := range payload.Nodes {
			if yn.ID == "" {
				return fmt.Errorf("LoadTopology: node with empty id")
			}
			name := yn.Name
			if name == "" {
				name = yn.ID
			}
			n := model.NewNode(model.NodeID(yn.ID), name, now, yn.Ports...)
			if err := g.AddNode(n); err != nil {
				return fmt.Errorf("LoadTopology: %w", err)
			}
			summary.NodeIDs = append(summary.NodeIDs, n.ID)
		}

		// 2) Links
		for i, yl := range payload.Links {
			bandwidth, latency := DefaultBandwidth, DefaultLatency
			if yl.Bandwidth != nil {
				bandwidth = *yl.Bandwidth
			}
			if yl.Latency != nil {
				latency = *yl.Latency
			}
			if bandwidth <= 0 {
				return fmt.Errorf("LoadTopology: link %d: %w: bandwidth must be positive", i, ErrLinkInvalid)
			}
			link, err := g.Connect(yl.A, yl.B, bandwidth, latency, now)
			if err != nil {
				return fmt.Errorf("LoadTopology: link %d: %w", i, err)
			}
			if yl.Down {
				link.SetState(model.LinkDown)
			}
			summary.LinkIDs = append(summary.LinkIDs, link.ID)
		}

		// 3) Initial failures, applied last so ports end up Disabled.
		for _, yn := range payload.Nodes {
			if yn.Failed {
				_ = g.FailNode(model.NodeID(yn.ID))
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return topo, summary, nil
}

// FullMesh builds n nodes named Node1..Noden with IDs node_1..node_n, every
// pair joined by one link of the given bandwidth and latency. Node i reaches
// node j through port j when j < i and port j-1 otherwise.
func FullMesh(n int, bandwidth, latency float64, opts ...TopologyOption) (*Topology, error) {
	topo := NewTopology(opts...)
	err := topo.Update(func(g *Graph) error {
		now := topo.clock.Now()
		for i := 1; i <= n; i++ {
			ports := make([]model.PortID, 0, n-1)
			for p := 1; p < n; p++ {
				ports = append(ports, model.PortID(p))
			}
			node := model.NewNode(MeshNodeID(i), fmt.Sprintf("Node%d", i), now, ports...)
			if err := g.AddNode(node); err != nil {
				return err
			}
		}
		for i := 1; i <= n; i++ {
			for j := i + 1; j <= n; j++ {
				a := model.Endpoint{Node: MeshNodeID(i), Port: meshPort(i, j)}
				b := model.Endpoint{Node: MeshNodeID(j), Port: meshPort(j, i)}
				if _, err := g.Connect(a, b, bandwidth, latency, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topo, nil
}

// MeshNodeID is the ID FullMesh gives to its i-th node.
func MeshNodeID(i int) model.NodeID {
	return model.NodeID(fmt.Sprintf("node_%d", i))
}

func meshPort(from, to int) model.PortID {
	if to < from {
		return model.PortID(to)
	}
	return model.PortID(to - 1)
}
