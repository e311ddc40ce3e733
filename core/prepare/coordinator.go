// Package prepare coordinates the prepare phase of pessimistic transactions:
// one sub-operation per owning node, fan-out locally or over the transport,
// and a single prepared / rollback verdict per run.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/txmapping"
	"github.com/sushant-115/gojogrid/pkg/future"
)

// Coordinator runs one prepare attempt for one transaction. Prepare,
// OnResult, OnNodeLeft and OnTimeout may be called from different goroutines.
type Coordinator struct {
	futureID  uuid.UUID
	tx        *transaction.Tx
	localID   uuid.UUID
	transport Transport
	local     LocalHandler
	registry  Registry
	timeouts  TimeoutScheduler
	hooks     Hooks
	tracer    trace.Tracer
	logger    *zap.Logger

	out       outcome
	remaining atomic.Int64
	started   atomic.Bool
	fut       *future.Future[*transaction.Tx]

	mu            sync.RWMutex
	subs          []*subOperation
	topology      *txmapping.TopologyMap
	txNodes       []NodeBackups
	cancelTimeout func()
	span          trace.Span
	startTime     time.Time
}

// FutureID identifies the run. Responses carry it back.
func (c *Coordinator) FutureID() uuid.UUID { return c.futureID }

// Tx returns the transaction being prepared.
func (c *Coordinator) Tx() *transaction.Tx { return c.tx }

// Future completes once with the prepared transaction or the first error.
func (c *Coordinator) Future() *future.Future[*transaction.Tx] { return c.fut }

// Wait blocks until the run finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) (*transaction.Tx, error) {
	return c.fut.Get(ctx)
}

// IsDone reports whether the verdict was reached.
func (c *Coordinator) IsDone() bool { return c.out.isDone() }

// Err returns the recorded cause, nil while no sub-operation failed.
func (c *Coordinator) Err() error { return c.out.recorded() }

// Prepare starts the run. It never blocks on remote nodes or on the local
// handler; the verdict is delivered through Future.
func (c *Coordinator) Prepare(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("Prepare called more than once, ignoring")
		return
	}

	ctx, span := c.tracer.Start(ctx, "prepare.pessimistic", trace.WithAttributes(
		attribute.String("tx.id", c.tx.ID.String()),
		attribute.String("tx.xid", c.tx.XidVersion.String()),
		attribute.Int64("tx.top_ver", int64(c.tx.TopologyVersion)),
	))
	c.mu.Lock()
	c.span = span
	c.startTime = time.Now()
	c.mu.Unlock()

	if c.tx.TimedOut() {
		c.tx.SetRollbackOnly()
	}
	if !c.tx.TransitionTo(transaction.TxStatePreparing) {
		c.hooks.start(c.tx, 0)
		c.fail(nil, c.stateError())
		return
	}

	c.registry.Register(c)

	mapped, err := txmapping.Build(c.tx)
	if err != nil {
		c.hooks.start(c.tx, 0)
		c.fail(nil, err)
		return
	}
	c.tx.SetTransactionNodes(mapped.Topology.TransactionNodes())
	c.tx.SetOnePhaseCommit(mapped.OnePhaseCommit())

	subs := make([]*subOperation, 0, len(mapped.Mappings))
	for _, m := range mapped.Mappings {
		subs = append(subs, newSubOperation(m, c.localID))
	}
	c.remaining.Store(int64(len(subs)))

	c.mu.Lock()
	c.subs = subs
	c.topology = mapped.Topology
	c.txNodes = wireTxNodes(mapped.Topology)
	c.mu.Unlock()

	c.hooks.start(c.tx, len(subs))
	span.SetAttributes(
		attribute.Int("prepare.mappings", len(subs)),
		attribute.Bool("prepare.one_phase", c.tx.OnePhaseCommit()),
	)

	if len(subs) == 0 {
		c.finalize(nil)
		return
	}

	c.armTimeout()

	for _, s := range subs {
		req := c.buildRequest(s)
		switch s.route {
		case routeLocal:
			c.prepareLocal(ctx, s, req)
		case routeRemote:
			c.prepareRemote(s, req)
		}
	}
}

func (c *Coordinator) stateError() error {
	state := c.tx.State()
	if c.tx.SetRollbackOnly() {
		if c.tx.TimedOut() {
			return fmt.Errorf("%w [timeout=%s, tx=%s]", transaction.ErrTxTimeout, c.tx.Timeout, c.tx.ID)
		}
		return fmt.Errorf("%w: %w [state=%s, tx=%s]", transaction.ErrInvalidTxState, transaction.ErrTxRolledBack, state, c.tx.ID)
	}
	return fmt.Errorf("%w [state=%s, tx=%s]", transaction.ErrInvalidTxState, state, c.tx.ID)
}

func (c *Coordinator) armTimeout() {
	if c.timeouts == nil {
		return
	}
	deadline, ok := c.tx.Deadline()
	if !ok {
		return
	}
	cancel := c.timeouts.Schedule(deadline, c.OnTimeout)
	c.mu.Lock()
	c.cancelTimeout = cancel
	c.mu.Unlock()
	if c.out.isDone() {
		cancel()
	}
}

func (c *Coordinator) prepareLocal(ctx context.Context, s *subOperation, req *Request) {
	fut, err := c.invokeLocal(ctx, req)
	if err != nil {
		c.onSubError(s, err)
		return
	}
	fut.Listen(func(res *Response, err error) {
		if err != nil {
			c.onSubError(s, err)
			return
		}
		c.onSubResponse(s, res)
	})
}

func (c *Coordinator) invokeLocal(ctx context.Context, req *Request) (fut *future.Future[*Response], err error) {
	if c.local == nil {
		return nil, &transaction.ApplicationError{NodeID: c.localID, Err: errors.New("no local prepare handler")}
	}
	defer func() {
		if r := recover(); r != nil {
			fut = nil
			err = &transaction.ApplicationError{NodeID: c.localID, Err: fmt.Errorf("local prepare panicked: %v", r)}
		}
	}()
	fut, err = c.local.PrepareTx(ctx, c.localID, c.tx, req)
	if err == nil && fut == nil {
		err = &transaction.ApplicationError{NodeID: c.localID, Err: errors.New("local prepare returned no result")}
	}
	return fut, err
}

func (c *Coordinator) prepareRemote(s *subOperation, req *Request) {
	if err := c.transport.Send(s.node(), req); err != nil {
		if transaction.IsTopologyError(err) {
			c.logger.Debug("Prepare target unreachable", zap.Stringer("node", s.node().ID), zap.Error(err))
			c.onSubError(s, transaction.NewNodeLeftError(s.node().ID))
			return
		}
		c.onSubError(s, fmt.Errorf("failed to send prepare request to node %s: %w", s.node().ID, err))
	}
}

// OnResult delivers a remote node's reply. Replies that match no pending
// sub-operation of this run are dropped.
func (c *Coordinator) OnResult(nodeID uuid.UUID, res *Response) {
	if c.out.isDone() {
		c.logger.Debug("Ignoring prepare response, run already finished",
			zap.Stringer("node", nodeID), zap.String("mini", res.MiniID))
		return
	}
	s := c.subByID(res.MiniID)
	if s == nil || s.node().ID != nodeID {
		c.logger.Debug("Prepare response matches no sub-operation",
			zap.Stringer("node", nodeID), zap.String("mini", res.MiniID))
		return
	}
	c.logger.Debug("Received prepare response", zap.Stringer("node", nodeID), zap.String("mini", res.MiniID))
	c.onSubResponse(s, res)
}

// OnNodeLeft fails every pending sub-operation targeting nodeID. It reports
// whether the run had any sub-operation on that node.
func (c *Coordinator) OnNodeLeft(nodeID uuid.UUID) bool {
	found := false
	for _, s := range c.subOperations() {
		if s.node().ID != nodeID {
			continue
		}
		found = true
		if s.resolved() {
			continue
		}
		c.onSubError(s, transaction.NewNodeLeftError(nodeID))
	}
	return found
}

// OnTimeout pushes a timeout failure into the run.
func (c *Coordinator) OnTimeout() {
	c.fail(nil, fmt.Errorf("%w [timeout=%s, tx=%s]", transaction.ErrTxTimeout, c.tx.Timeout, c.tx.ID))
}

// Nodes returns the node of every sub-operation in dispatch order.
func (c *Coordinator) Nodes() []cluster.Node {
	subs := c.subOperations()
	out := make([]cluster.Node, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.node())
	}
	return out
}

// Topology returns the owners recorded during mapping, nil before Prepare.
func (c *Coordinator) Topology() *txmapping.TopologyMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology
}

func (c *Coordinator) subOperations() []*subOperation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs
}

func (c *Coordinator) subByID(mini string) *subOperation {
	for _, s := range c.subOperations() {
		if s.id.String() == mini {
			return s
		}
	}
	return nil
}

func (c *Coordinator) onSubResponse(s *subOperation, res *Response) {
	if res.Err != nil {
		c.onSubError(s, res.Err.ErrFrom(s.node().ID))
		return
	}
	if !s.resolve(SubSucceeded) {
		c.duplicate(s, nil)
		return
	}
	if !c.out.whileActive(func() { applyVersions(s, res) }) {
		c.logger.Warn("Prepare response arrived after run finished", zap.Stringer("node", s.node().ID))
		c.hooks.late(s.node().ID)
		return
	}
	if c.remaining.Add(-1) == 0 {
		c.finalize(nil)
	}
}

func (c *Coordinator) onSubError(s *subOperation, err error) {
	state := SubFailed
	if transaction.IsTopologyError(err) {
		state = SubNodeLeft
	}
	if !s.resolve(state) {
		c.duplicate(s, err)
		return
	}
	c.logger.Debug("Sub-operation failed", zap.Stringer("node", s.node().ID), zap.Stringer("state", state), zap.Error(err))
	c.hooks.subFailed(s.node().ID, transaction.KindOf(err))
	c.fail(s, err)
}

func (c *Coordinator) duplicate(s *subOperation, err error) {
	c.logger.Warn("Ignoring repeated resolution of sub-operation",
		zap.Stringer("node", s.node().ID), zap.Stringer("state", s.current()), zap.Error(err))
	c.hooks.late(s.node().ID)
}

// fail records err if it is the first failure and finishes the run.
func (c *Coordinator) fail(s *subOperation, err error) {
	if c.out.recordErr(err) {
		c.tx.SetRollbackOnly()
	} else if !c.out.isDone() {
		fields := []zap.Field{zap.Error(err)}
		if s != nil {
			fields = append(fields, zap.Stringer("node", s.node().ID))
		}
		c.logger.Debug("Dropping secondary prepare failure", fields...)
	}
	c.finalize(err)
}

func (c *Coordinator) finalize(cause error) {
	recorded, ok := c.out.finish()
	if !ok {
		if cause != nil {
			c.logger.Warn("Failure arrived after prepare finished", zap.Error(cause))
		}
		return
	}

	result := recorded
	if result == nil {
		if !c.tx.TransitionTo(transaction.TxStatePrepared) {
			result = fmt.Errorf("%w: cannot move to %s [state=%s, tx=%s]",
				transaction.ErrInvalidTxState, transaction.TxStatePrepared, c.tx.State(), c.tx.ID)
		}
	} else {
		c.tx.SetRollbackOnly()
	}

	c.registry.Deregister(c)

	c.mu.RLock()
	cancel, span, startTime := c.cancelTimeout, c.span, c.startTime
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	elapsed := time.Since(startTime)
	if span != nil {
		if result != nil {
			span.RecordError(result)
			span.SetStatus(otelcodes.Error, result.Error())
		}
		span.End()
	}

	if result != nil {
		c.logger.Debug("Prepare finished with failure",
			zap.Stringer("kind", transaction.KindOf(result)), zap.Duration("elapsed", elapsed), zap.Error(result))
	} else {
		c.logger.Debug("Transaction prepared", zap.Duration("elapsed", elapsed))
	}
	c.hooks.finish(c.tx, result, elapsed)
	c.fut.Complete(c.tx, result)
}

func applyVersions(s *subOperation, res *Response) {
	if len(res.DhtVersions) == 0 {
		return
	}
	vers := make(map[transaction.TxKey]transaction.Version, len(res.DhtVersions))
	for _, v := range res.DhtVersions {
		if v.Version != nil {
			vers[transaction.TxKey{Cache: v.Cache, Key: v.Key}] = *v.Version
		}
	}
	for _, e := range s.mapping.Entries() {
		if v, ok := vers[e.TxKey()]; ok {
			e.SetDhtVersion(v)
		}
	}
}

func (c *Coordinator) buildRequest(s *subOperation) *Request {
	m := s.mapping
	c.mu.RLock()
	txNodes, topo := c.txNodes, c.topology
	c.mu.RUnlock()

	req := &Request{
		FutureID:        c.futureID.String(),
		MiniID:          s.id.String(),
		TopologyVersion: c.tx.TopologyVersion,
		XidVersion:      c.tx.XidVersion,
		TxID:            c.tx.ID.String(),
		Concurrency:     c.tx.Concurrency,
		Isolation:       c.tx.Isolation,
		TimeoutMillis:   c.tx.Timeout.Milliseconds(),
		Near:            m.Near(),
		TxNodes:         txNodes,
		Last:            true,
		Backups:         idStrings(topo.Backups(m.Node().ID)),
		OnePhaseCommit:  c.tx.OnePhaseCommit(),
		ReturnValue:     c.tx.NeedReturnValue && c.tx.Implicit,
		ImplicitSingle:  c.tx.ImplicitSingle,
		ExplicitLock:    m.ExplicitLock(),
		SubjectID:       c.tx.SubjectID.String(),
		TaskNameHash:    c.tx.TaskNameHash,
	}
	for _, e := range m.Reads() {
		req.Reads = append(req.Reads, toWireEntry(e))
	}
	for _, e := range m.Writes() {
		req.Writes = append(req.Writes, toWireEntry(e))
		if e.Op == transaction.OpTransform {
			req.DhtVersions = append(req.DhtVersions, EntryVersion{Cache: e.Cache.Name, Key: e.Key})
		}
	}
	return req
}

func wireTxNodes(t *txmapping.TopologyMap) []NodeBackups {
	primaries := t.Primaries()
	out := make([]NodeBackups, 0, len(primaries))
	for _, p := range primaries {
		out = append(out, NodeBackups{Primary: p.String(), Backups: idStrings(t.Backups(p))})
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (c *Coordinator) String() string {
	subs := c.subOperations()
	parts := make([]string, 0, len(subs))
	for _, s := range subs {
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("PessimisticPrepare[fut=%s, tx=%s, done=%t, err=%v, subs=%s]",
		c.futureID, c.tx.ID, c.out.isDone(), c.out.recorded(), strings.Join(parts, ", "))
}
