// Package affinity maps cache keys to the ordered list of nodes that own them
// (primary first, then backups) for a given topology version.
//
// Keys are hashed into a fixed number of partitions using CRC32, the same way
// the storage layer hashes keys into slots. Partitions are assigned to server
// nodes with rendezvous (highest random weight) hashing, so a membership change
// only moves the partitions owned by the nodes that joined or left.
package affinity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

var (
	// ErrNoOwners is returned when no node owns the partition of a key.
	ErrNoOwners = errors.New("no owner nodes for key")
	// ErrUnknownTopology is returned for a topology version that was never
	// observed or has been evicted from the assignment history.
	ErrUnknownTopology = errors.New("unknown topology version")
)

// Resolver resolves the owners of a key at a topology version.
type Resolver interface {
	OwnersOf(key string, topVer uint64) ([]cluster.Node, error)
}

// Config controls the partition layout.
type Config struct {
	// Partitions is the fixed number of partitions keys are hashed into.
	Partitions int `yaml:"partitions"`
	// Backups is the number of backup owners per partition.
	Backups int `yaml:"backups"`
	// History is how many topology versions keep their assignment around.
	History int `yaml:"history"`
}

func (c *Config) setDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 1024
	}
	if c.Backups < 0 {
		c.Backups = 0
	}
	if c.History <= 0 {
		c.History = 16
	}
}

// assignment is the owner list of every partition at one topology version.
type assignment struct {
	version uint64
	owners  [][]cluster.Node
}

// Rendezvous is a Resolver that keeps a bounded history of assignments.
type Rendezvous struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	latest  uint64
	history *lru.Cache[uint64, *assignment]
}

// NewRendezvous creates a resolver with no known topology.
func NewRendezvous(cfg Config, logger *zap.Logger) (*Rendezvous, error) {
	cfg.setDefaults()
	history, err := lru.New[uint64, *assignment](cfg.History)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment history: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rendezvous{
		cfg:     cfg,
		logger:  logger.Named("affinity"),
		history: history,
	}, nil
}

// Partition returns the partition a key hashes into.
func (r *Rendezvous) Partition(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(r.cfg.Partitions))
}

// Partitions returns the configured partition count.
func (r *Rendezvous) Partitions() int { return r.cfg.Partitions }

// LatestVersion returns the newest topology version seen.
func (r *Rendezvous) LatestVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// OnTopology computes and records the assignment for a topology snapshot.
func (r *Rendezvous) OnTopology(t cluster.Topology) {
	a := r.assign(t)

	r.mu.Lock()
	r.history.Add(t.Version, a)
	if t.Version > r.latest {
		r.latest = t.Version
	}
	r.mu.Unlock()

	r.logger.Info("Partition assignment calculated",
		zap.Uint64("topVer", t.Version),
		zap.Int("servers", len(t.Servers())),
		zap.Int("partitions", r.cfg.Partitions),
		zap.Int("backups", r.cfg.Backups))
}

// OnTopologyChange lets the resolver follow the replicated topology.
func (r *Rendezvous) OnTopologyChange(t cluster.Topology, _ []cluster.Node) {
	r.OnTopology(t)
}

// OwnersOf implements Resolver.
func (r *Rendezvous) OwnersOf(key string, topVer uint64) ([]cluster.Node, error) {
	part := r.Partition(key)
	owners, err := r.PartitionOwners(part, topVer)
	if err != nil {
		return nil, fmt.Errorf("key %q (partition %d): %w", key, part, err)
	}
	return owners, nil
}

// PartitionOwners returns a copy of the owners of a partition.
func (r *Rendezvous) PartitionOwners(part int, topVer uint64) ([]cluster.Node, error) {
	r.mu.RLock()
	a, ok := r.history.Get(topVer)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTopology, topVer)
	}
	if part < 0 || part >= len(a.owners) {
		return nil, fmt.Errorf("partition %d out of range", part)
	}
	owners := a.owners[part]
	if len(owners) == 0 {
		return nil, ErrNoOwners
	}
	out := make([]cluster.Node, len(owners))
	copy(out, owners)
	return out, nil
}

func (r *Rendezvous) assign(t cluster.Topology) *assignment {
	servers := t.Servers()
	n := 1 + r.cfg.Backups
	if n > len(servers) {
		n = len(servers)
	}

	owners := make([][]cluster.Node, r.cfg.Partitions)
	type weighted struct {
		node   cluster.Node
		weight uint64
	}
	candidates := make([]weighted, len(servers))
	for part := range owners {
		for i, s := range servers {
			candidates[i] = weighted{node: s, weight: weight(s.ID, part)}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].weight != candidates[j].weight {
				return candidates[i].weight > candidates[j].weight
			}
			return candidates[i].node.Order < candidates[j].node.Order
		})
		list := make([]cluster.Node, n)
		for i := 0; i < n; i++ {
			list[i] = candidates[i].node
		}
		owners[part] = list
	}
	return &assignment{version: t.Version, owners: owners}
}

func weight(id uuid.UUID, part int) uint64 {
	var buf [20]byte
	copy(buf[:16], id[:])
	binary.BigEndian.PutUint32(buf[16:], uint32(part))
	return xxhash.Sum64(buf[:])
}
