package model

import "time"

// PortState is the forwarding state of a port. Only Disabled, Blocking and
// Forwarding are driven by the spanning-tree calculator; Listening and
// Learning are reserved transitional states.
type PortState string

const (
	PortDisabled   PortState = "DISABLED"
	PortBlocking   PortState = "BLOCKING"
	PortListening  PortState = "LISTENING"
	PortLearning   PortState = "LEARNING"
	PortForwarding PortState = "FORWARDING"
)

// Port is a numbered attachment point on a node. It refers to its link by ID
// only; the Topology owns both.
type Port struct {
	ID     PortID    `json:"port_id"`
	NodeID NodeID    `json:"node_id"`
	State  PortState `json:"state"`
	LinkID LinkID    `json:"link_id,omitempty"`

	// Control-message receive counters.
	BPDUCount uint64    `json:"bpdu_count"`
	LastBPDU  time.Time `json:"last_bpdu,omitempty"`
}

// NewPort returns a Disabled port with no link.
func NewPort(id PortID, node NodeID) *Port {
	return &Port{ID: id, NodeID: node, State: PortDisabled}
}

// HasLink reports whether a link is attached.
func (p *Port) HasLink() bool {
	return p.LinkID != ""
}

// Ref returns the endpoint address of the port.
func (p *Port) Ref() PortRef {
	return PortRef{Node: p.NodeID, Port: p.ID}
}

// Attach binds a link; the port starts Blocking until the tree says otherwise.
func (p *Port) Attach(link LinkID) {
	p.LinkID = link
	p.State = PortBlocking
}

// Detach removes the link and disables the port.
func (p *Port) Detach() {
	p.LinkID = ""
	p.State = PortDisabled
}

// RecordBPDU counts a received control message.
func (p *Port) RecordBPDU(now time.Time) {
	p.LastBPDU = now
	p.BPDUCount++
}
