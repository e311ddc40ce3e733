package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/core/affinity"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/membership"
	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/topology"
	"github.com/sushant-115/gojogrid/core/transport"
	"github.com/sushant-115/gojogrid/core/txhandler"
	"github.com/sushant-115/gojogrid/core/txservice"
	"github.com/sushant-115/gojogrid/core/txtimeout"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

const (
	reconcileInterval = time.Second
	joinPollInterval  = 100 * time.Millisecond
	stopTimeout       = 10 * time.Second
)

// node owns every component of a running GojoGrid member.
type node struct {
	cfg    *config.Config
	local  cluster.Node
	logger *zap.Logger

	tel        *telemetry.Telemetry
	telStop    telemetry.ShutdownFunc
	fsm        *topology.FSM
	raft       *topology.Replicator
	rendezvous *affinity.Rendezvous
	watcher    *membership.Watcher
	pool       *connection.PoolManager
	client     *transport.Client
	timeouts   *txtimeout.Scheduler
	backend    *startingBackend
	server     *transport.Server

	wg sync.WaitGroup
}

func newNode(cfg *config.Config, local cluster.Node, logger *zap.Logger) *node {
	return &node{cfg: cfg, local: local, logger: logger}
}

// start brings the node up and returns once it is a topology member that
// serves transactions.
func (n *node) start(ctx context.Context) error {
	var err error
	n.tel, n.telStop, err = telemetry.New(n.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	grpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(n.tel.Meter)
	if err != nil {
		return err
	}
	prepareMetrics, err := internaltelemetry.NewPrepareMetrics(n.tel.Meter)
	if err != nil {
		return err
	}

	n.fsm = topology.NewFSM(n.logger)
	n.rendezvous, err = affinity.NewRendezvous(n.cfg.Affinity, n.logger)
	if err != nil {
		return err
	}
	n.fsm.Subscribe(n.rendezvous)

	var dialOpts []grpc.DialOption
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(grpcMetrics.UnaryInterceptor())}
	if n.cfg.Transport.TLS.Enabled {
		dial, err := n.cfg.Transport.TLS.DialOption()
		if err != nil {
			return err
		}
		creds, err := n.cfg.Transport.TLS.ServerOption(n.logger)
		if err != nil {
			return err
		}
		dialOpts = append(dialOpts, dial)
		serverOpts = append(serverOpts, creds)
	}
	n.pool = connection.NewPoolManager(n.logger, dialOpts...)
	n.client = transport.NewClient(n.local.ID, n.pool, n.cfg.Transport.Client(), n.logger)

	n.watcher = membership.New(n.local.ID, n.cfg.Membership, n.client, n.logger)
	n.fsm.Subscribe(n.watcher)

	n.backend = newStartingBackend(n.local.ID, n.fsm)
	n.server = transport.NewServer(n.backend, n.cfg.Transport.Server(), n.logger, serverOpts...)
	lis, err := net.Listen("tcp", n.local.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.local.Addr, err)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(lis); err != nil {
			n.logger.Error("gRPC server exited", zap.Error(err))
		}
	}()

	n.raft, err = topology.Open(n.local.ID.String(), n.cfg.Raft, n.fsm, n.logger)
	if err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconcileLoop(ctx)
	}()

	member, err := awaitMember(ctx, n.fsm, n.local, joinPollInterval)
	if err != nil {
		return err
	}
	n.local.Order = member.Order
	n.logger.Info("Joined the cluster", zap.Int64("order", member.Order), zap.Uint64("topology_version", n.fsm.Version()))

	handlerCfg := n.cfg.Handler
	handlerCfg.Resolver = n.rendezvous
	handler := txhandler.New(n.local.ID, n.local.Order, handlerCfg, n.logger)

	n.timeouts = txtimeout.New(n.logger)
	manager, err := prepare.NewManager(prepare.Config{
		LocalNodeID: n.local.ID,
		Transport:   n.client,
		Local:       handler,
		Timeouts:    n.timeouts,
		Hooks:       prepareMetrics.Hooks(),
		Tracer:      n.tel.Tracer,
	}, n.logger)
	if err != nil {
		return err
	}
	n.client.Bind(manager)
	n.watcher.Subscribe(func(left cluster.Node) { manager.OnNodeLeft(left) })
	n.watcher.SetOnSuspect(n.suspect)

	svc, err := txservice.New(n.local, n.cfg.Transaction, n.fsm, n.rendezvous, manager, handler, n.client, n.logger)
	if err != nil {
		return err
	}
	n.backend.ready(svc)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watcher.Run(ctx)
	}()
	return nil
}

// suspect proposes the failure of a silent node. Followers leave it to the
// leader.
func (n *node) suspect(s cluster.Node) {
	if !n.raft.IsLeader() {
		return
	}
	if _, err := n.raft.Fail(s); err != nil {
		n.logger.Warn("Failed to propose node failure", zap.Stringer("node", s.ID), zap.Error(err))
	}
}

func (n *node) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.raft.IsLeader() {
				n.reconcile(ctx)
			}
		}
	}
}

// reconcile admits this node and every configured peer that answers a ping
// but is missing from the topology.
func (n *node) reconcile(ctx context.Context) {
	top := n.fsm.Topology()
	if _, ok := top.Node(n.local.ID); !ok {
		if _, err := n.raft.Join(n.local); err != nil {
			n.logger.Warn("Failed to join self", zap.Error(err))
			return
		}
	}
	for _, p := range n.cfg.Peers {
		peer, err := p.Node()
		if err != nil {
			continue
		}
		if _, ok := top.Node(peer.ID); ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, reconcileInterval)
		err = n.client.Ping(pctx, peer)
		cancel()
		if err != nil {
			n.logger.Debug("Peer not reachable yet", zap.String("peer", p.Name), zap.Error(err))
			continue
		}
		if p.RaftAddr != "" {
			if p.Client {
				err = n.raft.AddNonvoter(peer.ID.String(), p.RaftAddr)
			} else {
				err = n.raft.AddVoter(peer.ID.String(), p.RaftAddr)
			}
			if err != nil {
				n.logger.Warn("Failed to add raft peer", zap.String("peer", p.Name), zap.Error(err))
				continue
			}
		}
		if _, err := n.raft.Join(peer); err != nil {
			n.logger.Warn("Failed to join peer", zap.String("peer", p.Name), zap.Error(err))
		}
	}
}

// awaitMember polls src until self appears in the topology.
func awaitMember(ctx context.Context, src txservice.TopologySource, self cluster.Node, every time.Duration) (cluster.Node, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if m, ok := src.Topology().Node(self.ID); ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return cluster.Node{}, fmt.Errorf("node %s never joined the topology: %w", self, ctx.Err())
		case <-ticker.C:
		}
	}
}

// stop shuts the node down. ctx must already be cancelled so background
// loops exit.
func (n *node) stop() error {
	var errs []error
	if n.raft != nil && n.raft.IsLeader() {
		if _, err := n.raft.Leave(n.local); err != nil {
			errs = append(errs, err)
		}
	}
	if n.server != nil {
		stopped := make(chan struct{})
		go func() {
			n.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopTimeout):
			n.logger.Warn("Graceful stop timed out, closing connections")
			n.server.Stop()
		}
	}
	n.wg.Wait()
	if n.timeouts != nil {
		n.timeouts.Stop()
	}
	if n.client != nil {
		n.client.Wait()
	}
	if n.pool != nil {
		errs = append(errs, n.pool.Close())
	}
	if n.raft != nil {
		errs = append(errs, n.raft.Shutdown())
	}
	if n.telStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		errs = append(errs, n.telStop(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
