package prepare

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/future"
)

// Config wires the collaborators shared by every run on a node.
type Config struct {
	LocalNodeID uuid.UUID
	Transport   Transport
	Local       LocalHandler
	// Timeouts is optional; without it in-flight runs never time out.
	Timeouts TimeoutScheduler
	Hooks    Hooks
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// Manager creates prepare runs and routes replies and membership events to them.
type Manager struct {
	cfg      Config
	inflight *InFlight
	logger   *zap.Logger
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.LocalNodeID == uuid.Nil {
		return nil, errors.New("prepare: LocalNodeID is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("prepare: Transport is required")
	}
	if cfg.Local == nil {
		return nil, errors.New("prepare: Local handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/sushant-115/gojogrid/core/prepare")
	}
	logger = logger.Named("prepare")
	return &Manager{cfg: cfg, inflight: NewInFlight(logger), logger: logger}, nil
}

// NewCoordinator creates a run for tx without starting it.
func (m *Manager) NewCoordinator(tx *transaction.Tx) *Coordinator {
	futID := uuid.New()
	return &Coordinator{
		futureID:  futID,
		tx:        tx,
		localID:   m.cfg.LocalNodeID,
		transport: m.cfg.Transport,
		local:     m.cfg.Local,
		registry:  m.inflight,
		timeouts:  m.cfg.Timeouts,
		hooks:     m.cfg.Hooks,
		tracer:    m.cfg.Tracer,
		logger:    m.logger.With(zap.Stringer("tx", tx.ID), zap.Stringer("fut", futID)),
		fut:       future.New[*transaction.Tx](),
	}
}

// Prepare creates and starts a run for tx.
func (m *Manager) Prepare(ctx context.Context, tx *transaction.Tx) *Coordinator {
	c := m.NewCoordinator(tx)
	c.Prepare(ctx)
	return c
}

// Deliver routes a remote reply to its run.
func (m *Manager) Deliver(nodeID uuid.UUID, res *Response) bool {
	return m.inflight.Deliver(nodeID, res)
}

// OnNodeLeft fails the sub-operations of every run that targets nodeID.
func (m *Manager) OnNodeLeft(node cluster.Node) bool {
	return m.inflight.OnNodeLeft(node.ID)
}

// InFlight exposes the registry of running coordinators.
func (m *Manager) InFlight() *InFlight { return m.inflight }

// LocalNodeID returns the id of the node this manager runs on.
func (m *Manager) LocalNodeID() uuid.UUID { return m.cfg.LocalNodeID }
