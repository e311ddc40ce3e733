// Package cluster defines the node and topology snapshot types shared by the
// affinity, membership and transaction layers.
package cluster

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Node is a cluster member as seen by a particular topology version.
type Node struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	// Addr is the gRPC address other nodes use to reach this node.
	Addr string `json:"addr"`
	// Order is the join order assigned by the topology state machine.
	Order int64 `json:"order"`
	// Client nodes never own partitions.
	Client bool `json:"client"`
}

func (n Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s(%s)", n.Name, n.ID)
	}
	return n.ID.String()
}

// Topology is an immutable snapshot of cluster membership.
type Topology struct {
	Version uint64 `json:"version"`
	Nodes   []Node `json:"nodes"`
}

// Node looks up a member by id.
func (t Topology) Node(id uuid.UUID) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Servers returns the non-client members ordered by join order.
func (t Topology) Servers() []Node {
	out := make([]Node, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		if !n.Client {
			out = append(out, n)
		}
	}
	SortByOrder(out)
	return out
}

// SortByOrder sorts nodes by join order, breaking ties by id.
func SortByOrder(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Order != nodes[j].Order {
			return nodes[i].Order < nodes[j].Order
		}
		return nodes[i].ID.String() < nodes[j].ID.String()
	})
}

// IDs projects nodes to their ids, keeping order.
func IDs(nodes []Node) []uuid.UUID {
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
