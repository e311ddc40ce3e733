package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/connection"
)

// Deliverer receives prepare replies. *prepare.Manager implements it.
type Deliverer interface {
	Deliver(nodeID uuid.UUID, res *prepare.Response) bool
}

// ClientConfig tunes outbound requests.
type ClientConfig struct {
	// RequestTimeout bounds one RPC.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *ClientConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Client sends requests to other nodes. It implements prepare.Transport and
// membership.Prober.
type Client struct {
	localID uuid.UUID
	pool    *connection.PoolManager
	cfg     ClientConfig
	logger  *zap.Logger

	mu      sync.RWMutex
	deliver Deliverer

	wg sync.WaitGroup
}

// NewClient creates a client that dials through pool.
func NewClient(localID uuid.UUID, pool *connection.PoolManager, cfg ClientConfig, logger *zap.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{localID: localID, pool: pool, cfg: cfg, logger: logger.Named("transport.client")}
}

// Bind sets where prepare replies go. It must be called before Send.
func (c *Client) Bind(d Deliverer) {
	c.mu.Lock()
	c.deliver = d
	c.mu.Unlock()
}

func (c *Client) deliverer() Deliverer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deliver
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}

// Send issues req to node in the background. It fails fast with a
// *transaction.TopologyError when node is known to be unreachable.
func (c *Client) Send(node cluster.Node, req *prepare.Request) error {
	d := c.deliverer()
	if d == nil {
		return errors.New("transport client has no reply destination")
	}
	conn, err := c.pool.Get(node.Addr)
	if err != nil {
		return &transaction.TopologyError{NodeID: node.ID, Reason: err.Error()}
	}
	switch state := conn.GetState(); state {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return &transaction.TopologyError{NodeID: node.ID, Reason: fmt.Sprintf("connection to %s is %s", node.Addr, state)}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		res := new(prepare.Response)
		if err := conn.Invoke(ctx, MethodPrepare, req, res, callOpts()...); err != nil {
			c.logger.Debug("Prepare RPC failed", zap.Stringer("node", node.ID), zap.String("mini", req.MiniID), zap.Error(err))
			res = prepare.ErrorResponse(req, node.ID, rpcError(node, err))
		}
		d.Deliver(node.ID, res)
	}()
	return nil
}

// Release asks node to drop the locks held by xid.
func (c *Client) Release(ctx context.Context, node cluster.Node, xid transaction.Version) (int, error) {
	var res ReleaseResponse
	if err := c.invoke(ctx, node.Addr, MethodRelease, &ReleaseRequest{XidVersion: xid}, &res); err != nil {
		return 0, rpcError(node, err)
	}
	return res.Released, nil
}

// Ping probes node.
func (c *Client) Ping(ctx context.Context, node cluster.Node) error {
	var res PingResponse
	if err := c.invoke(ctx, node.Addr, MethodPing, &PingRequest{From: c.localID.String()}, &res); err != nil {
		return rpcError(node, err)
	}
	if res.NodeID != node.ID.String() {
		return &transaction.TopologyError{NodeID: node.ID, Reason: fmt.Sprintf("%s is served by node %s", node.Addr, res.NodeID)}
	}
	return nil
}

// Execute runs a client transaction on the node at addr.
func (c *Client) Execute(ctx context.Context, addr string, req *ExecuteRequest) (*ExecuteResponse, error) {
	res := new(ExecuteResponse)
	if err := c.invoke(ctx, addr, MethodExecute, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, req, res any) error {
	conn, err := c.pool.Get(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return conn.Invoke(ctx, method, req, res, callOpts()...)
}

// Wait blocks until every background Send has delivered its reply.
func (c *Client) Wait() { c.wg.Wait() }

// rpcError maps a gRPC failure to the prepare error model.
func rpcError(node cluster.Node, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, connection.ErrPoolClosed) {
		return &transaction.TopologyError{NodeID: node.ID, Reason: err.Error()}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &transaction.ApplicationError{NodeID: node.ID, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable:
		return &transaction.TopologyError{NodeID: node.ID, Reason: st.Message()}
	case codes.DeadlineExceeded:
		return &transaction.ApplicationError{NodeID: node.ID,
			Err: fmt.Errorf("%w: request to %s timed out", transaction.ErrPrepareFailed, node.Addr)}
	default:
		return &transaction.ApplicationError{NodeID: node.ID, Err: fmt.Errorf("%s: %s", st.Code(), st.Message())}
	}
}
