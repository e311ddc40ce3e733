package topology

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

const (
	transportMaxPool = 3
	transportTimeout = 10 * time.Second
	snapshotRetain   = 2
)

var ErrNotLeader = errors.New("topology changes must be proposed on the raft leader")

// Config configures the raft group that replicates topology.
type Config struct {
	// Dir holds the bolt log store and snapshots.
	Dir       string `yaml:"dir"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	// ApplyTimeout bounds a single proposal.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

func (c *Config) setDefaults() {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
}

// Replicator proposes topology changes through raft.
type Replicator struct {
	raft      *raft.Raft
	fsm       *FSM
	transport raft.Transport
	closers   []func() error
	timeout   time.Duration
	logger    *zap.Logger
}

// Open starts a raft node for the topology FSM backed by bolt and TCP.
func Open(nodeID string, cfg Config, fsm *FSM, logger *zap.Logger) (*Replicator, error) {
	cfg.setDefaults()
	logger = logger.Named("raft")

	dataPath := filepath.Join(cfg.Dir, nodeID, "raft_meta")
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory %s: %w", dataPath, err)
	}

	rconf := raftConfig(nodeID, logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, transportMaxPool, transportTimeout, rconf.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dataPath, snapshotRetain, rconf.Logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", dataPath, err)
	}

	boltPath := filepath.Join(dataPath, "raft.db")
	store, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltPath, err)
	}

	r, err := newReplicator(rconf, fsm, store, store, snapshots, transport, cfg, logger)
	if err != nil {
		store.Close()
		transport.Close()
		return nil, err
	}
	r.closers = append(r.closers, store.Close, transport.Close)
	return r, nil
}

// OpenInMemory starts a single raft node with in-memory stores and
// transport. It is used by tests and local single-node runs.
func OpenInMemory(nodeID string, cfg Config, fsm *FSM, logger *zap.Logger) (*Replicator, error) {
	cfg.setDefaults()
	logger = logger.Named("raft")
	rconf := raftConfig(nodeID, logger)
	rconf.HeartbeatTimeout = 50 * time.Millisecond
	rconf.ElectionTimeout = 50 * time.Millisecond
	rconf.LeaderLeaseTimeout = 50 * time.Millisecond
	rconf.CommitTimeout = 5 * time.Millisecond

	store := raft.NewInmemStore()
	_, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))
	cfg.Bootstrap = true
	r, err := newReplicator(rconf, fsm, store, store, raft.NewInmemSnapshotStore(), transport, cfg, logger)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, transport.Close)
	return r, nil
}

func raftConfig(nodeID string, logger *zap.Logger) *raft.Config {
	rconf := raft.DefaultConfig()
	rconf.LocalID = raft.ServerID(nodeID)
	rconf.Logger = NewRaftLogger(logger)
	return rconf
}

func newReplicator(rconf *raft.Config, fsm *FSM, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, transport raft.Transport, cfg Config, logger *zap.Logger) (*Replicator, error) {
	r, err := raft.NewRaft(rconf, fsm, logs, stable, snaps, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if cfg.Bootstrap {
		logger.Info("Bootstrapping raft cluster as the first node")
		conf := raft.Configuration{Servers: []raft.Server{{ID: rconf.LocalID, Address: transport.LocalAddr()}}}
		if err := r.BootstrapCluster(conf).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
	}
	return &Replicator{raft: r, fsm: fsm, transport: transport, timeout: cfg.ApplyTimeout, logger: logger}, nil
}

// FSM returns the replicated state machine.
func (r *Replicator) FSM() *FSM { return r.fsm }

// IsLeader reports whether this node leads the raft group.
func (r *Replicator) IsLeader() bool { return r.raft.State() == raft.Leader }

// LeaderCh signals leadership changes.
func (r *Replicator) LeaderCh() <-chan bool { return r.raft.LeaderCh() }

// Propose replicates cmd and returns the topology version after it applied.
func (r *Replicator) Propose(cmd Command) (uint64, error) {
	if !r.IsLeader() {
		return 0, ErrNotLeader
	}
	data, err := cmd.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode topology command: %w", err)
	}
	f := r.raft.Apply(data, r.timeout)
	if err := f.Error(); err != nil {
		return 0, fmt.Errorf("failed to apply %s for node %s: %w", cmd.Op, cmd.Node.ID, err)
	}
	switch res := f.Response().(type) {
	case error:
		return 0, res
	case uint64:
		return res, nil
	}
	return r.fsm.Version(), nil
}

// Join proposes node as a member.
func (r *Replicator) Join(node cluster.Node) (uint64, error) {
	return r.Propose(Command{Op: OpNodeJoin, Node: node})
}

// Leave proposes a graceful departure.
func (r *Replicator) Leave(node cluster.Node) (uint64, error) {
	return r.Propose(Command{Op: OpNodeLeave, Node: node})
}

// Fail proposes the removal of a node that stopped responding.
func (r *Replicator) Fail(node cluster.Node) (uint64, error) {
	return r.Propose(Command{Op: OpNodeFail, Node: node})
}

// AddVoter adds a raft peer at addr.
func (r *Replicator) AddVoter(id, addr string) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	if err := r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, r.timeout).Error(); err != nil {
		return fmt.Errorf("failed to add raft voter %s at %s: %w", id, addr, err)
	}
	r.logger.Info("Added raft voter", zap.String("id", id), zap.String("addr", addr))
	return nil
}

// AddNonvoter adds a raft peer at addr that receives the log without voting.
// Client nodes join this way so they learn the topology.
func (r *Replicator) AddNonvoter(id, addr string) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	if err := r.raft.AddNonvoter(raft.ServerID(id), raft.ServerAddress(addr), 0, r.timeout).Error(); err != nil {
		return fmt.Errorf("failed to add raft nonvoter %s at %s: %w", id, addr, err)
	}
	r.logger.Info("Added raft nonvoter", zap.String("id", id), zap.String("addr", addr))
	return nil
}

// Shutdown stops raft and closes its stores.
func (r *Replicator) Shutdown() error {
	err := r.raft.Shutdown().Error()
	for _, c := range r.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
