package core

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/loopfree-fabric/model"
)

func TestLoadTopology_Fixture(t *testing.T) {
	f, err := os.Open("testdata/triangle.yaml")
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()

	topo, summary, err := LoadTopology(f)
	if err != nil {
		t.Fatalf("LoadTopology returned error: %v", err)
	}
	if len(summary.NodeIDs) != 3 || len(summary.LinkIDs) != 3 {
		t.Fatalf("summary = %+v, want 3 nodes and 3 links", summary)
	}

	l, err := topo.Link("node_1-1<->node_2-1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if l.Bandwidth != 100 || l.Latency != 2 {
		t.Errorf("link bandwidth/latency = %v/%v, want 100/2", l.Bandwidth, l.Latency)
	}

	defaults, _ := topo.Link("node_2-2<->node_3-1")
	if defaults.Bandwidth != DefaultBandwidth || defaults.Latency != DefaultLatency {
		t.Errorf("defaults = %v/%v", defaults.Bandwidth, defaults.Latency)
	}

	down, _ := topo.Link("node_1-2<->node_3-2")
	if down.State != model.LinkDown {
		t.Errorf("down link state = %s, want DOWN", down.State)
	}

	n3, _ := topo.Node("node_3")
	if n3.IsActive() {
		t.Fatalf("node_3 should start failed")
	}
	for _, p := range n3.Ports {
		if p.State != model.PortDisabled {
			t.Errorf("node_3 port %d = %s, want DISABLED", p.ID, p.State)
		}
	}
}

func TestLoadTopology_EmptyInput(t *testing.T) {
	topo, summary, err := LoadTopology(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadTopology on empty input: %v", err)
	}
	if len(summary.NodeIDs) != 0 || len(topo.NodeIDs()) != 0 {
		t.Fatalf("expected empty topology")
	}
}

func TestLoadTopology_Errors(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want error
	}{
		"duplicate node": {
			doc:  "nodes: [{id: a}, {id: a}]",
			want: ErrNodeExists,
		},
		"unknown endpoint": {
			doc:  "nodes: [{id: a}]\nlinks: [{a: {node: a, port: 1}, b: {node: z, port: 1}}]",
			want: ErrNodeNotFound,
		},
		"port reused": {
			doc: "nodes: [{id: a}, {id: b}, {id: c}]\nlinks:\n" +
				"  - {a: {node: a, port: 1}, b: {node: b, port: 1}}\n" +
				"  - {a: {node: a, port: 1}, b: {node: c, port: 1}}",
			want: ErrPortInUse,
		},
		"bad bandwidth": {
			doc:  "nodes: [{id: a}, {id: b}]\nlinks: [{a: {node: a, port: 1}, b: {node: b, port: 1}, bandwidth: 0}]",
			want: ErrLinkInvalid,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := LoadTopology(strings.NewReader(tc.doc))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadTopology_UnknownFieldRejected(t *testing.T) {
	_, _, err := LoadTopology(strings.NewReader("nodes: [{id: a, colour: red}]"))
	if err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestFullMesh_PortNumbering(t *testing.T) {
	topo, err := FullMesh(4, 1000, 1)
	if err != nil {
		t.Fatalf("FullMesh: %v", err)
	}
	if got := len(topo.LinkIDs()); got != 6 {
		t.Fatalf("links = %d, want 6", got)
	}
	n3, _ := topo.Node("node_3")
	if n3.Name != "Node3" {
		t.Errorf("name = %q, want Node3", n3.Name)
	}
	// node_3 reaches node_1 on port 1, node_2 on port 2, node_4 on port 3.
	want := map[model.PortID]model.LinkID{
		1: "node_1-2<->node_3-1",
		2: "node_2-2<->node_3-2",
		3: "node_3-3<->node_4-3",
	}
	for port, link := range want {
		if got := n3.Port(port).LinkID; got != link {
			t.Errorf("node_3 port %d link = %s, want %s", port, got, link)
		}
	}
}

// The shipped mesh4 config must describe exactly the built-in default mesh.
func TestLoadTopology_Mesh4ConfigMatchesFullMesh(t *testing.T) {
	f, err := os.Open("../configs/mesh4.yaml")
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	defer f.Close()

	loaded, _, err := LoadTopology(f)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	mesh, err := FullMesh(4, DefaultBandwidth, DefaultLatency)
	if err != nil {
		t.Fatalf("FullMesh: %v", err)
	}
	if diff := cmp.Diff(mesh.LinkIDs(), loaded.LinkIDs()); diff != "" {
		t.Fatalf("link IDs differ (-mesh +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(mesh.NodeIDs(), loaded.NodeIDs()); diff != "" {
		t.Fatalf("node IDs differ (-mesh +loaded):\n%s", diff)
	}
}
