// Package txmapping groups a transaction's entries into per-node work units
// and records the owners of every key for the commit fan-out.
package txmapping

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// NodeMapping holds the entries destined for one node. Membership is fixed
// once Build returns.
type NodeMapping struct {
	node         cluster.Node
	near         bool
	reads        []*transaction.Entry
	writes       []*transaction.Entry
	explicitLock bool
}

func newNodeMapping(node cluster.Node, near bool) *NodeMapping {
	return &NodeMapping{node: node, near: near}
}

func (m *NodeMapping) add(e *transaction.Entry) {
	if e.Op.IsWrite() {
		m.writes = append(m.writes, e)
	} else {
		m.reads = append(m.reads, e)
	}
	if e.ExplicitVersion != nil {
		m.explicitLock = true
	}
}

// Node is the primary node of every entry in the mapping.
func (m *NodeMapping) Node() cluster.Node { return m.node }

// Near reports whether the mapping targets a near cache.
func (m *NodeMapping) Near() bool { return m.near }

// Reads returns the read entries in enlist order.
func (m *NodeMapping) Reads() []*transaction.Entry { return m.reads }

// Writes returns the write entries in enlist order.
func (m *NodeMapping) Writes() []*transaction.Entry { return m.writes }

// ExplicitLock reports whether any entry was locked explicitly.
func (m *NodeMapping) ExplicitLock() bool { return m.explicitLock }

// Entries returns reads followed by writes.
func (m *NodeMapping) Entries() []*transaction.Entry {
	out := make([]*transaction.Entry, 0, len(m.reads)+len(m.writes))
	out = append(out, m.reads...)
	return append(out, m.writes...)
}

// Empty reports whether the mapping has no entries.
func (m *NodeMapping) Empty() bool { return len(m.reads) == 0 && len(m.writes) == 0 }

func (m *NodeMapping) String() string {
	return fmt.Sprintf("NodeMapping[node=%s, near=%t, reads=%d, writes=%d, explicitLock=%t]",
		m.node, m.near, len(m.reads), len(m.writes), m.explicitLock)
}

type mappingKey struct {
	node uuid.UUID
	near bool
}

// Result is the output of one Build.
type Result struct {
	// Mappings are ordered by the first entry mapped to each of them.
	Mappings []*NodeMapping
	Topology *TopologyMap
}

// OnePhaseCommit reports whether prepare and commit can be merged: exactly
// one node is involved and no backups need the update.
func (r *Result) OnePhaseCommit() bool {
	return len(r.Mappings) == 1 && !r.Topology.HasBackups()
}

// Build maps every entry of tx to the primary owner of its key at the
// transaction's topology version and records each entry's primary node id.
// A key without owners is an input error and is returned as is.
func Build(tx *transaction.Tx) (*Result, error) {
	topVer := tx.TopologyVersion
	index := make(map[mappingKey]*NodeMapping)
	res := &Result{Topology: NewTopologyMap()}

	for _, e := range tx.AllEntries() {
		if e.Cache == nil || e.Cache.Affinity == nil {
			return nil, fmt.Errorf("entry %s has no cache affinity", e.TxKey())
		}
		nodes, err := e.Cache.Affinity.OwnersOf(e.Key, topVer)
		if err != nil {
			return nil, fmt.Errorf("failed to map entry %s at topology %d: %w", e.TxKey(), topVer, err)
		}
		if len(nodes) == 0 {
			return nil, fmt.Errorf("failed to map entry %s at topology %d: no owner nodes", e.TxKey(), topVer)
		}
		primary := nodes[0]

		k := mappingKey{node: primary.ID, near: e.Cache.Near}
		m, ok := index[k]
		if !ok {
			m = newNodeMapping(primary, e.Cache.Near)
			index[k] = m
			res.Mappings = append(res.Mappings, m)
		}

		e.SetNodeID(primary.ID)
		m.add(e)
		res.Topology.AddMapping(e.TxKey(), nodes)
	}
	return res, nil
}
