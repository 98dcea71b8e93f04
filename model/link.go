package model

import (
	"math"
	"time"
)

// LinkState is the operational state of a link.
type LinkState string

const (
	LinkUp       LinkState = "UP"
	LinkDown     LinkState = "DOWN"
	LinkDegraded LinkState = "DEGRADED"
)

// FailureThreshold is the number of consecutive missed acknowledgements
// after which a link is declared Down.
const FailureThreshold = 3

// Link is a point-to-point connection between two ports.
type Link struct {
	ID LinkID   `json:"link_id"`
	A  Endpoint `json:"a"`
	B  Endpoint `json:"b"`

	State     LinkState `json:"state"`
	Bandwidth float64   `json:"bandwidth"`
	Latency   float64   `json:"latency"`

	FailCount    int       `json:"lacp_fail_count"`
	SuccessCount uint64    `json:"lacp_success_count"`
	LastAck      time.Time `json:"last_ack"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewLink builds an Up link between a and b with its deterministic ID.
func NewLink(a, b Endpoint, bandwidth, latency float64, now time.Time) *Link {
	return &Link{
		ID:        LinkIDFor(a, b),
		A:         a,
		B:         b,
		State:     LinkUp,
		Bandwidth: bandwidth,
		Latency:   latency,
		LastAck:   now,
		CreatedAt: now,
	}
}

// IsUp reports whether the link can carry traffic.
func (l *Link) IsUp() bool {
	return l.State == LinkUp
}

// Cost is the spanning-tree weight of the link: (1/bandwidth)*1000 + latency
// while Up, +Inf otherwise.
func (l *Link) Cost() float64 {
	if !l.IsUp() || l.Bandwidth <= 0 {
		return math.Inf(1)
	}
	return (1.0/l.Bandwidth)*1000 + l.Latency
}

// Nodes returns the IDs of both endpoint nodes.
func (l *Link) Nodes() (NodeID, NodeID) {
	return l.A.Node, l.B.Node
}

// Touches reports whether either endpoint belongs to node.
func (l *Link) Touches(node NodeID) bool {
	return l.A.Node == node || l.B.Node == node
}

// Joins reports whether the link connects x and y, in either direction.
func (l *Link) Joins(x, y NodeID) bool {
	return (l.A.Node == x && l.B.Node == y) || (l.A.Node == y && l.B.Node == x)
}

// Other returns the endpoint opposite to node.
func (l *Link) Other(node NodeID) (Endpoint, bool) {
	switch node {
	case l.A.Node:
		return l.B, true
	case l.B.Node:
		return l.A, true
	}
	return Endpoint{}, false
}

// OtherPort returns the endpoint opposite to the given port.
func (l *Link) OtherPort(ref PortRef) (Endpoint, bool) {
	switch ref {
	case l.A:
		return l.B, true
	case l.B:
		return l.A, true
	}
	return Endpoint{}, false
}

// AckSuccess records an acknowledged probe: the failure streak resets, the
// link is Up and LastAck moves to now.
func (l *Link) AckSuccess(now time.Time) {
	l.ProbeSuccess()
	l.LastAck = now
}

// ProbeSuccess counts a poll that found the last acknowledgement inside the
// timeout window. Unlike AckSuccess it leaves LastAck alone.
func (l *Link) ProbeSuccess() {
	l.SuccessCount++
	l.FailCount = 0
	if l.State != LinkUp {
		l.State = LinkUp
	}
}

// AckFailure records a missed acknowledgement. The link goes Down once the
// streak reaches FailureThreshold.
func (l *Link) AckFailure() {
	l.FailCount++
	if l.FailCount >= FailureThreshold {
		l.State = LinkDown
	}
}

// SetState applies an administrative state. Down pins the failure counter at
// the threshold; Up resets it and counts one success.
func (l *Link) SetState(s LinkState) {
	l.State = s
	switch s {
	case LinkDown:
		l.FailCount = FailureThreshold
	case LinkUp:
		l.FailCount = 0
		l.SuccessCount++
	}
}

// Clone returns a copy of the link.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}
