// Package txservice is the node-level entry point for transactions. It builds
// pessimistic transactions from client requests, drives them to a prepare
// verdict and releases the locks they took. It also serves the inbound side
// of the transaction RPC service.
package txservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojogrid/core/affinity"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transport"
	"github.com/sushant-115/gojogrid/core/txhandler"
	"github.com/sushant-115/gojogrid/core/txmapping"
)

var ErrUnknownCache = errors.New("unknown cache")

// CacheConfig declares a cache transactions may enlist.
type CacheConfig struct {
	Name string `yaml:"name"`
	// Near caches are mapped separately from the partitioned cache behind them.
	Near       bool          `yaml:"near"`
	SkipStore  bool          `yaml:"skip_store"`
	KeepBinary bool          `yaml:"keep_binary"`
	Expiry     time.Duration `yaml:"expiry"`
}

// Config configures the service.
type Config struct {
	Caches []CacheConfig `yaml:"caches"`
	// DefaultTimeout applies when a request carries no timeout. Zero means none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// ReleaseTimeout bounds the lock release fan-out after a verdict.
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

func (c *Config) setDefaults() {
	if len(c.Caches) == 0 {
		c.Caches = []CacheConfig{{Name: "default"}}
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
}

// TopologySource exposes the current cluster topology.
type TopologySource interface {
	Topology() cluster.Topology
}

// Releaser drops the locks a transaction holds on a remote node.
type Releaser interface {
	Release(ctx context.Context, node cluster.Node, xid transaction.Version) (int, error)
}

// Service implements transport.Backend.
type Service struct {
	local    cluster.Node
	cfg      Config
	topology TopologySource
	manager  *prepare.Manager
	handler  *txhandler.Handler
	releaser Releaser
	caches   map[string]*transaction.CacheContext
	logger   *zap.Logger
}

var _ transport.Backend = (*Service)(nil)

// New creates a Service. Every configured cache shares resolver.
func New(local cluster.Node, cfg Config, topology TopologySource, resolver affinity.Resolver,
	manager *prepare.Manager, handler *txhandler.Handler, releaser Releaser, logger *zap.Logger) (*Service, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	caches := make(map[string]*transaction.CacheContext, len(cfg.Caches))
	for _, cc := range cfg.Caches {
		if cc.Name == "" {
			return nil, errors.New("cache name must not be empty")
		}
		if _, dup := caches[cc.Name]; dup {
			return nil, fmt.Errorf("cache %q declared twice", cc.Name)
		}
		opCtx := transaction.OperationContext{}.WithSkipStore(cc.SkipStore)
		if cc.KeepBinary {
			opCtx = opCtx.WithKeepBinary()
		}
		if cc.Expiry > 0 {
			opCtx = opCtx.WithExpiry(cc.Expiry)
		}
		caches[cc.Name] = &transaction.CacheContext{Name: cc.Name, Near: cc.Near, Affinity: resolver, OpCtx: opCtx}
	}
	return &Service{
		local:    local,
		cfg:      cfg,
		topology: topology,
		manager:  manager,
		handler:  handler,
		releaser: releaser,
		caches:   caches,
		logger:   logger.Named("txservice"),
	}, nil
}

// Begin builds an ACTIVE pessimistic transaction from req at the current
// topology version.
func (s *Service) Begin(req *transport.ExecuteRequest) (*transaction.Tx, error) {
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	var subject uuid.UUID
	if req.SubjectID != "" {
		id, err := uuid.Parse(req.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("invalid subject id %q: %w", req.SubjectID, err)
		}
		subject = id
	}

	tx := transaction.New(transaction.Options{
		Concurrency:     transaction.Pessimistic,
		Isolation:       req.Isolation,
		TopologyVersion: s.topology.Topology().Version,
		Timeout:         timeout,
		SubjectID:       subject,
		TaskNameHash:    taskNameHash(req.TaskName),
		Implicit:        req.Implicit,
		ImplicitSingle:  req.Implicit && len(req.Ops) == 1,
		NeedReturnValue: req.NeedReturnValue,
		NodeOrder:       s.local.Order,
	})
	for _, op := range req.Ops {
		cc, ok := s.caches[op.Cache]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCache, op.Cache)
		}
		if subject != uuid.Nil {
			bound := *cc
			bound.OpCtx = bound.OpCtx.WithSubjectID(subject)
			cc = &bound
		}
		e := transaction.NewEntry(cc, op.Key, op.Op, op.Value)
		if op.Lock {
			xid := tx.XidVersion
			e.ExplicitVersion = &xid
		}
		tx.AddEntry(e)
	}
	return tx, nil
}

func taskNameHash(name string) int32 {
	if name == "" {
		return 0
	}
	return int32(xxhash.Sum64String(name))
}

// Execute prepares a client transaction and releases its locks once the
// verdict is known. Prepare failures are reported in the response.
func (s *Service) Execute(ctx context.Context, req *transport.ExecuteRequest) (*transport.ExecuteResponse, error) {
	tx, err := s.Begin(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	c := s.manager.Prepare(ctx, tx)
	_, perr := c.Wait(ctx)
	if perr != nil && !c.IsDone() {
		// ctx expired first. The run keeps going and its locks are released
		// once it reaches a verdict.
		c.Future().Listen(func(*transaction.Tx, error) {
			go func() {
				released := s.release(c.Nodes(), tx.XidVersion)
				s.logger.Debug("Released locks of abandoned transaction",
					zap.Stringer("tx", tx.ID), zap.Int("released", released))
			}()
		})
		return nil, status.FromContextError(perr).Err()
	}

	res := &transport.ExecuteResponse{
		TxID:            tx.ID.String(),
		XidVersion:      tx.XidVersion,
		TopologyVersion: tx.TopologyVersion,
		State:           tx.State().String(),
		OnePhaseCommit:  tx.OnePhaseCommit(),
		Nodes:           txNodes(c.Topology()),
		Err:             prepare.ToWireError(perr, s.local.ID),
	}
	for _, e := range tx.AllEntries() {
		if v, ok := e.DhtVersion(); ok {
			res.DhtVersions = append(res.DhtVersions, prepare.EntryVersion{Cache: e.Cache.Name, Key: e.Key, Version: &v})
		}
	}
	res.Released = s.release(c.Nodes(), tx.XidVersion)

	if perr != nil {
		s.logger.Info("Transaction rolled back at prepare", zap.Stringer("tx", tx.ID), zap.Error(perr))
	} else {
		s.logger.Debug("Transaction prepared", zap.Stringer("tx", tx.ID), zap.Int("nodes", len(res.Nodes)))
	}
	return res, nil
}

// release drops the locks xid holds on every mapped node and returns how
// many were released.
func (s *Service) release(nodes []cluster.Node, xid transaction.Version) int {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
	defer cancel()

	seen := make(map[uuid.UUID]bool, len(nodes))
	total := 0
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		if n.ID == s.local.ID {
			total += s.handler.Release(xid)
			continue
		}
		released, err := s.releaser.Release(ctx, n, xid)
		if err != nil {
			s.logger.Warn("Failed to release transaction locks", zap.Stringer("node", n.ID), zap.Stringer("xid", xid), zap.Error(err))
			continue
		}
		total += released
	}
	return total
}

func txNodes(t *txmapping.TopologyMap) []prepare.NodeBackups {
	if t == nil {
		return nil
	}
	var out []prepare.NodeBackups
	for _, p := range t.Primaries() {
		nb := prepare.NodeBackups{Primary: p.String()}
		for _, b := range t.Backups(p) {
			nb.Backups = append(nb.Backups, b.String())
		}
		out = append(out, nb)
	}
	return out
}

// Prepare serves a prepare request sent by a remote coordinator.
func (s *Service) Prepare(ctx context.Context, req *prepare.Request) (*prepare.Response, error) {
	fut, err := s.handler.PrepareTx(ctx, s.local.ID, nil, req)
	if err != nil {
		return prepare.ErrorResponse(req, s.local.ID, err), nil
	}
	res, err := fut.Get(ctx)
	if err != nil {
		return prepare.ErrorResponse(req, s.local.ID, err), nil
	}
	return res, nil
}

// Release drops the locks of a transaction on this node.
func (s *Service) Release(_ context.Context, req *transport.ReleaseRequest) (*transport.ReleaseResponse, error) {
	return &transport.ReleaseResponse{Released: s.handler.Release(req.XidVersion)}, nil
}

// Ping answers liveness probes.
func (s *Service) Ping(_ context.Context, _ *transport.PingRequest) (*transport.PingResponse, error) {
	return &transport.PingResponse{NodeID: s.local.ID.String(), TopologyVersion: s.topology.Topology().Version}, nil
}
