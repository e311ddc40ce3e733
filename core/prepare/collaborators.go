package prepare

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/future"
)

// Transport sends prepare requests to remote nodes. Send must not wait for
// the reply; replies come back through Coordinator.OnResult. Send fails fast
// with a *transaction.TopologyError when node is unreachable.
type Transport interface {
	Send(node cluster.Node, req *Request) error
}

// LocalHandler prepares the share of a transaction owned by this node.
type LocalHandler interface {
	PrepareTx(ctx context.Context, nodeID uuid.UUID, tx *transaction.Tx, req *Request) (*future.Future[*Response], error)
}

// Registry tracks in-flight prepare runs.
type Registry interface {
	Register(c *Coordinator)
	Deregister(c *Coordinator)
}

// TimeoutScheduler calls fn at deadline unless the returned cancel func runs first.
type TimeoutScheduler interface {
	Schedule(deadline time.Time, fn func()) (cancel func())
}

// Hooks let you wire metrics without coupling. Every field is optional.
type Hooks struct {
	OnStart            func(tx *transaction.Tx, mappings int)
	OnSubOperationFail func(node uuid.UUID, kind transaction.ErrorKind)
	OnLateResolution   func(node uuid.UUID)
	OnFinish           func(tx *transaction.Tx, err error, elapsed time.Duration)
}

func (h Hooks) start(tx *transaction.Tx, mappings int) {
	if h.OnStart != nil {
		h.OnStart(tx, mappings)
	}
}

func (h Hooks) subFailed(node uuid.UUID, kind transaction.ErrorKind) {
	if h.OnSubOperationFail != nil {
		h.OnSubOperationFail(node, kind)
	}
}

func (h Hooks) late(node uuid.UUID) {
	if h.OnLateResolution != nil {
		h.OnLateResolution(node)
	}
}

func (h Hooks) finish(tx *transaction.Tx, err error, elapsed time.Duration) {
	if h.OnFinish != nil {
		h.OnFinish(tx, err, elapsed)
	}
}
