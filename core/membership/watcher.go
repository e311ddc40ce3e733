// Package membership detects departed nodes and tells interested parties.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojogrid/core/cluster"
)

// Config tunes failure detection.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// FailureTimeout is how long a node may stay silent before it is suspected.
	FailureTimeout time.Duration `yaml:"failure_timeout"`
	// ProbeConcurrency bounds parallel probes per round.
	ProbeConcurrency int `yaml:"probe_concurrency"`
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 5 * c.HeartbeatInterval
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 16
	}
}

// Prober checks that a node is reachable.
type Prober interface {
	Ping(ctx context.Context, node cluster.Node) error
}

// Listener is told about every node that left, once per departure.
type Listener func(node cluster.Node)

type tracked struct {
	node     cluster.Node
	lastSeen time.Time
}

// Watcher tracks remote nodes and fans out node-left events.
type Watcher struct {
	cfg     Config
	localID uuid.UUID
	prober  Prober
	logger  *zap.Logger

	mu        sync.Mutex
	nodes     map[uuid.UUID]*tracked
	departed  map[uuid.UUID]struct{}
	listeners map[uint64]Listener
	nextSub   uint64
	onSuspect func(cluster.Node)
}

// New creates a Watcher. prober may be nil when liveness comes only from
// Heartbeat calls and topology changes.
func New(localID uuid.UUID, cfg Config, prober Prober, logger *zap.Logger) *Watcher {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:       cfg,
		localID:   localID,
		prober:    prober,
		logger:    logger.Named("membership"),
		nodes:     make(map[uuid.UUID]*tracked),
		departed:  make(map[uuid.UUID]struct{}),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers l and returns a func that removes it.
func (w *Watcher) Subscribe(l Listener) (unsubscribe func()) {
	w.mu.Lock()
	w.nextSub++
	id := w.nextSub
	w.listeners[id] = l
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// SetOnSuspect replaces the default reaction to a silent node. By default a
// suspected node is reported as left right away; a cluster that agrees on
// membership through consensus installs a func that proposes the failure
// instead and reports the departure when the topology changes.
func (w *Watcher) SetOnSuspect(fn func(cluster.Node)) {
	w.mu.Lock()
	w.onSuspect = fn
	w.mu.Unlock()
}

// Track starts watching node. The local node is never tracked.
func (w *Watcher) Track(node cluster.Node) {
	if node.ID == w.localID {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.nodes[node.ID]; ok {
		t.node = node
		return
	}
	delete(w.departed, node.ID)
	w.nodes[node.ID] = &tracked{node: node, lastSeen: time.Now()}
	w.logger.Debug("Tracking node", zap.Stringer("node", node.ID), zap.String("addr", node.Addr))
}

// Heartbeat records that id is alive.
func (w *Watcher) Heartbeat(id uuid.UUID) {
	w.mu.Lock()
	if t, ok := w.nodes[id]; ok {
		t.lastSeen = time.Now()
	}
	w.mu.Unlock()
}

// Tracked returns the watched nodes sorted by join order.
func (w *Watcher) Tracked() []cluster.Node {
	w.mu.Lock()
	out := make([]cluster.Node, 0, len(w.nodes))
	for _, t := range w.nodes {
		out = append(out, t.node)
	}
	w.mu.Unlock()
	cluster.SortByOrder(out)
	return out
}

// NodeLeft reports node as departed. Repeated reports of the same departure
// are dropped. It returns whether listeners were notified.
func (w *Watcher) NodeLeft(node cluster.Node) bool {
	w.mu.Lock()
	if _, gone := w.departed[node.ID]; gone {
		w.mu.Unlock()
		return false
	}
	w.departed[node.ID] = struct{}{}
	delete(w.nodes, node.ID)
	listeners := make([]Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	w.logger.Info("Node left", zap.Stringer("node", node.ID), zap.String("name", node.Name))
	for _, l := range listeners {
		l(node)
	}
	return true
}

// OnTopologyChange tracks the servers of t and reports the nodes that left.
func (w *Watcher) OnTopologyChange(t cluster.Topology, left []cluster.Node) {
	for _, n := range t.Servers() {
		w.Track(n)
	}
	for _, n := range left {
		w.NodeLeft(n)
	}
}

// Run probes tracked nodes every heartbeat interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
			w.checkExpired()
		}
	}
}

func (w *Watcher) probe(ctx context.Context) {
	if w.prober == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ProbeConcurrency)
	for _, n := range w.Tracked() {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, w.cfg.HeartbeatInterval)
			defer cancel()
			if err := w.prober.Ping(pctx, n); err != nil {
				w.logger.Debug("Probe failed", zap.Stringer("node", n.ID), zap.Error(err))
				return nil
			}
			w.Heartbeat(n.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) checkExpired() {
	w.mu.Lock()
	var expired []cluster.Node
	for _, t := range w.nodes {
		if time.Since(t.lastSeen) > w.cfg.FailureTimeout {
			expired = append(expired, t.node)
		}
	}
	onSuspect := w.onSuspect
	w.mu.Unlock()

	for _, n := range expired {
		w.logger.Warn("Node heartbeat expired", zap.Stringer("node", n.ID), zap.Duration("timeout", w.cfg.FailureTimeout))
		if onSuspect != nil {
			onSuspect(n)
			continue
		}
		w.NodeLeft(n)
	}
}
