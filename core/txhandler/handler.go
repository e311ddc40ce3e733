// Package txhandler is the node-side half of prepare: it locks the keys a
// primary owns for a transaction and assigns their lock versions.
package txhandler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sushant-115/gojogrid/core/affinity"
	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/future"
)

// Config tunes a Handler.
type Config struct {
	// MaxConcurrent bounds prepare requests processed at once.
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// Resolver, when set, rejects requests for keys this node no longer
	// owns at the request's topology version.
	Resolver affinity.Resolver `yaml:"-"`
	// FinishedHistory is how many released transactions are remembered so
	// that a prepare arriving after the release is refused.
	FinishedHistory int `yaml:"finished_history"`
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	if c.FinishedHistory <= 0 {
		c.FinishedHistory = 4096
	}
}

// Handler serves prepare requests for one node.
type Handler struct {
	nodeID    uuid.UUID
	nodeOrder int64
	cfg       Config
	sem       *semaphore.Weighted
	order     atomic.Uint64
	logger    *zap.Logger

	mu       sync.Mutex
	locks    map[transaction.TxKey]transaction.Version
	held     map[transaction.Version][]transaction.TxKey
	finished *lru.Cache[transaction.Version, struct{}]
}

// New creates a Handler for the node with the given id and join order.
func New(nodeID uuid.UUID, nodeOrder int64, cfg Config, logger *zap.Logger) *Handler {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	// size is positive after setDefaults
	finished, _ := lru.New[transaction.Version, struct{}](cfg.FinishedHistory)
	return &Handler{
		nodeID:    nodeID,
		nodeOrder: nodeOrder,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    logger.Named("txhandler"),
		locks:     make(map[transaction.TxKey]transaction.Version),
		held:      make(map[transaction.Version][]transaction.TxKey),
		finished:  finished,
	}
}

// PrepareTx prepares the local share of tx without blocking the caller.
func (h *Handler) PrepareTx(ctx context.Context, nodeID uuid.UUID, tx *transaction.Tx, req *prepare.Request) (*future.Future[*prepare.Response], error) {
	if nodeID != h.nodeID {
		return nil, fmt.Errorf("prepare for node %s routed to node %s", nodeID, h.nodeID)
	}
	if tx != nil && tx.XidVersion != req.XidVersion {
		return nil, fmt.Errorf("request xid %s does not match transaction %s", req.XidVersion, tx.XidVersion)
	}

	fut := future.New[*prepare.Response]()
	go func() {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			fut.Complete(nil, fmt.Errorf("prepare queue for %s: %w", req.XidVersion, err))
			return
		}
		defer h.sem.Release(1)
		fut.Complete(h.Handle(req), nil)
	}()
	return fut, nil
}

// Handle processes req synchronously. Failures are carried in the response.
func (h *Handler) Handle(req *prepare.Request) *prepare.Response {
	if err := h.checkOwnership(req); err != nil {
		return prepare.ErrorResponse(req, h.nodeID, err)
	}

	keys := h.lockKeys(req)
	if err := h.acquire(req.XidVersion, keys); err != nil {
		h.logger.Debug("Prepare rejected", zap.Stringer("xid", req.XidVersion), zap.Error(err))
		return prepare.ErrorResponse(req, h.nodeID, err)
	}

	res := prepare.NewResponse(req, h.nodeID)
	for _, w := range req.Writes {
		v := transaction.Version{
			TopologyVersion: req.TopologyVersion,
			Order:           h.order.Add(1),
			NodeOrder:       h.nodeOrder,
		}
		res.DhtVersions = append(res.DhtVersions, prepare.EntryVersion{Cache: w.Cache, Key: w.Key, Version: &v})
	}
	h.logger.Debug("Prepared",
		zap.Stringer("xid", req.XidVersion), zap.Int("keys", len(keys)), zap.Bool("onePhase", req.OnePhaseCommit))
	return res
}

func (h *Handler) checkOwnership(req *prepare.Request) error {
	if h.cfg.Resolver == nil {
		return nil
	}
	for _, e := range req.Entries() {
		owners, err := h.cfg.Resolver.OwnersOf(e.Key, req.TopologyVersion)
		if err != nil {
			return &transaction.TopologyError{NodeID: h.nodeID, Reason: err.Error()}
		}
		if len(owners) == 0 || owners[0].ID != h.nodeID {
			return &transaction.TopologyError{
				NodeID: h.nodeID,
				Reason: fmt.Sprintf("not primary for %s at topology %d", e.TxKey(), req.TopologyVersion),
			}
		}
	}
	return nil
}

// lockKeys returns the keys to lock in request order. Reads are locked
// unless the transaction only needs committed reads.
func (h *Handler) lockKeys(req *prepare.Request) []transaction.TxKey {
	var keys []transaction.TxKey
	if req.Isolation != transaction.ReadCommitted {
		for _, e := range req.Reads {
			keys = append(keys, e.TxKey())
		}
	}
	for _, e := range req.Writes {
		keys = append(keys, e.TxKey())
	}
	return keys
}

func (h *Handler) acquire(xid transaction.Version, keys []transaction.TxKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished.Contains(xid) {
		return &transaction.ApplicationError{
			NodeID: h.nodeID,
			Err:    fmt.Errorf("%w: locks of %s were already released", transaction.ErrTxRolledBack, xid),
		}
	}
	var taken []transaction.TxKey
	for _, k := range keys {
		owner, locked := h.locks[k]
		if locked && owner == xid {
			continue
		}
		if locked {
			for _, t := range taken {
				delete(h.locks, t)
			}
			return &transaction.ApplicationError{
				NodeID: h.nodeID,
				Err:    fmt.Errorf("%w: %s held by %s", transaction.ErrKeyLocked, k, owner),
			}
		}
		h.locks[k] = xid
		taken = append(taken, k)
	}
	h.held[xid] = append(h.held[xid], taken...)
	return nil
}

// Release drops every lock held by xid and returns how many were released.
// Later prepare requests for xid are refused.
func (h *Handler) Release(xid transaction.Version) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := h.held[xid]
	for _, k := range keys {
		if h.locks[k] == xid {
			delete(h.locks, k)
		}
	}
	delete(h.held, xid)
	h.finished.Add(xid, struct{}{})
	if len(keys) > 0 {
		h.logger.Debug("Released locks", zap.Stringer("xid", xid), zap.Int("keys", len(keys)))
	}
	return len(keys)
}

// LockedBy returns the transaction holding key.
func (h *Handler) LockedBy(key transaction.TxKey) (transaction.Version, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.locks[key]
	return v, ok
}

// Locked returns the number of locked keys.
func (h *Handler) Locked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}

// NodeID returns the node this handler serves.
func (h *Handler) NodeID() uuid.UUID { return h.nodeID }
