package model

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID identifies a switch in the fabric. The ordering defined by Less is
// the election priority: the smallest ID becomes root.
type NodeID string

// PortID identifies a port within its owning node.
type PortID uint16

// LinkID is derived from the two endpoints of a link, see LinkIDFor.
type LinkID string

// Endpoint names one side of a link.
type Endpoint struct {
	Node NodeID `json:"node" yaml:"node"`
	Port PortID `json:"port" yaml:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s-%d", e.Node, e.Port)
}

// PortRef addresses a port from outside its node.
type PortRef = Endpoint

// LinkIDFor returns the deterministic link ID for the pair a, b.
func LinkIDFor(a, b Endpoint) LinkID {
	return LinkID(a.String() + "<->" + b.String())
}

// Less reports whether id has a strictly better (lower) priority than other.
//
// IDs that share a non-numeric prefix and end in decimal digits are compared
// numerically on that suffix, so "node_2" sorts before "node_10". Anything
// else falls back to plain string comparison.
func (id NodeID) Less(other NodeID) bool {
	pa, na, okA := splitNumericSuffix(string(id))
	pb, nb, okB := splitNumericSuffix(string(other))
	if okA && okB && pa == pb && na != nb {
		return na < nb
	}
	return id < other
}

func splitNumericSuffix(s string) (string, uint64, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, 0, false
	}
	digits := strings.TrimLeft(s[i:], "0")
	if digits == "" {
		return s[:i], 0, true
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}
