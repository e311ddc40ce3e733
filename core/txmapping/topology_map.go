package txmapping

import (
	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// TopologyMap records, for one transaction, the owners of every key and the
// backups of every primary involved.
type TopologyMap struct {
	owners    map[transaction.TxKey][]cluster.Node
	primaries []uuid.UUID
	backups   map[uuid.UUID][]uuid.UUID
}

// NewTopologyMap returns an empty map.
func NewTopologyMap() *TopologyMap {
	return &TopologyMap{
		owners:  make(map[transaction.TxKey][]cluster.Node),
		backups: make(map[uuid.UUID][]uuid.UUID),
	}
}

// AddMapping records the ordered owners of key; the first is the primary.
func (t *TopologyMap) AddMapping(key transaction.TxKey, nodes []cluster.Node) {
	if len(nodes) == 0 {
		return
	}
	owners := make([]cluster.Node, len(nodes))
	copy(owners, nodes)
	t.owners[key] = owners

	primary := nodes[0].ID
	backups, ok := t.backups[primary]
	if !ok {
		t.primaries = append(t.primaries, primary)
		backups = []uuid.UUID{}
	}
	for _, b := range nodes[1:] {
		if !containsID(backups, b.ID) {
			backups = append(backups, b.ID)
		}
	}
	t.backups[primary] = backups
}

// Owners returns the owners recorded for key.
func (t *TopologyMap) Owners(key transaction.TxKey) []cluster.Node {
	return t.owners[key]
}

// Primaries returns primary ids in the order they were first seen.
func (t *TopologyMap) Primaries() []uuid.UUID {
	out := make([]uuid.UUID, len(t.primaries))
	copy(out, t.primaries)
	return out
}

// Backups returns the backups of a primary.
func (t *TopologyMap) Backups(primary uuid.UUID) []uuid.UUID {
	return t.backups[primary]
}

// HasBackups reports whether any primary has a backup.
func (t *TopologyMap) HasBackups() bool {
	for _, b := range t.backups {
		if len(b) > 0 {
			return true
		}
	}
	return false
}

// TransactionNodes returns a copy of primary -> backups.
func (t *TopologyMap) TransactionNodes() map[uuid.UUID][]uuid.UUID {
	out := make(map[uuid.UUID][]uuid.UUID, len(t.backups))
	for p, b := range t.backups {
		cp := make([]uuid.UUID, len(b))
		copy(cp, b)
		out[p] = cp
	}
	return out
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
