// Package topology replicates cluster membership through raft. Every change
// bumps the topology version that transactions are mapped against.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

// Operation types for the FSM.
const (
	OpNodeJoin  = "node_join"
	OpNodeLeave = "node_leave"
	OpNodeFail  = "node_fail"
)

var ErrUnknownOp = errors.New("unknown topology operation")

// Command is the replicated log entry.
type Command struct {
	Op   string       `json:"op"`
	Node cluster.Node `json:"node"`
}

// Encode serializes the command for raft.Apply.
func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// Listener observes applied topology changes. left holds nodes removed by
// the change.
type Listener interface {
	OnTopologyChange(t cluster.Topology, left []cluster.Node)
}

// ListenerFunc adapts a func to Listener.
type ListenerFunc func(t cluster.Topology, left []cluster.Node)

func (f ListenerFunc) OnTopologyChange(t cluster.Topology, left []cluster.Node) { f(t, left) }

// FSM implements raft.FSM over the set of cluster nodes.
type FSM struct {
	mu               sync.RWMutex
	nodes            map[uuid.UUID]cluster.Node
	version          uint64
	nextOrder        int64
	lastAppliedIndex uint64
	listeners        []Listener
	logger           *zap.Logger
}

// NewFSM creates an empty FSM at topology version 0.
func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{nodes: make(map[uuid.UUID]cluster.Node), logger: logger.Named("topology")}
}

// Subscribe registers l. Listeners are called outside the FSM lock in
// registration order.
func (f *FSM) Subscribe(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Apply applies a raft log entry. It returns the new topology version or an error.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal topology command", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("invalid topology command: %w", err)
	}

	f.mu.Lock()
	f.lastAppliedIndex = entry.Index
	var left []cluster.Node
	changed := false

	switch cmd.Op {
	case OpNodeJoin:
		cur, ok := f.nodes[cmd.Node.ID]
		if ok && cur.Addr == cmd.Node.Addr && cur.Client == cmd.Node.Client {
			break
		}
		n := cmd.Node
		if ok {
			n.Order = cur.Order
		} else {
			f.nextOrder++
			n.Order = f.nextOrder
		}
		f.nodes[n.ID] = n
		changed = true
	case OpNodeLeave, OpNodeFail:
		cur, ok := f.nodes[cmd.Node.ID]
		if !ok {
			break
		}
		delete(f.nodes, cur.ID)
		left = append(left, cur)
		changed = true
	default:
		f.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}

	if !changed {
		v := f.version
		f.mu.Unlock()
		return v
	}
	f.version++
	top := f.topologyLocked()
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()

	f.logger.Info("Topology changed",
		zap.String("op", cmd.Op), zap.Stringer("node", cmd.Node.ID),
		zap.Uint64("version", top.Version), zap.Int("nodes", len(top.Nodes)))
	for _, l := range listeners {
		l.OnTopologyChange(top, left)
	}
	return top.Version
}

// Topology returns the current topology.
func (f *FSM) Topology() cluster.Topology {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.topologyLocked()
}

func (f *FSM) topologyLocked() cluster.Topology {
	nodes := make([]cluster.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		nodes = append(nodes, n)
	}
	cluster.SortByOrder(nodes)
	return cluster.Topology{Version: f.version, Nodes: nodes}
}

// Version returns the current topology version.
func (f *FSM) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// LastAppliedIndex returns the raft index of the last applied entry.
func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

type snapshotData struct {
	Version   uint64         `json:"version"`
	NextOrder int64          `json:"next_order"`
	Nodes     []cluster.Node `json:"nodes"`
}

// Snapshot captures the current state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	top := f.topologyLocked()
	return &fsmSnapshot{data: snapshotData{Version: top.Version, NextOrder: f.nextOrder, Nodes: top.Nodes}}, nil
}

// Restore replaces the state with a snapshot and notifies listeners.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data snapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode topology snapshot: %w", err)
	}

	f.mu.Lock()
	restored := make(map[uuid.UUID]cluster.Node, len(data.Nodes))
	for _, n := range data.Nodes {
		restored[n.ID] = n
	}
	var left []cluster.Node
	for id, n := range f.nodes {
		if _, ok := restored[id]; !ok {
			left = append(left, n)
		}
	}
	f.nodes = restored
	f.version = data.Version
	f.nextOrder = data.NextOrder
	top := f.topologyLocked()
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()

	f.logger.Info("Topology restored from snapshot", zap.Uint64("version", top.Version), zap.Int("nodes", len(top.Nodes)))
	for _, l := range listeners {
		l.OnTopologyChange(top, left)
	}
	return nil
}

type fsmSnapshot struct {
	data snapshotData
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	b, err := json.Marshal(s.data)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal topology snapshot: %w", err)
	}
	if _, err := sink.Write(b); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write topology snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
