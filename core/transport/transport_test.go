package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/connection"
)

// --- Test Helpers ---

type fakeBackend struct {
	nodeID     uuid.UUID
	prepareErr error
	panicOn    string

	mu       sync.Mutex
	prepared []*prepare.Request
	released []transaction.Version
}

func (b *fakeBackend) Prepare(_ context.Context, req *prepare.Request) (*prepare.Response, error) {
	if b.panicOn == MethodPrepare {
		panic("handler bug")
	}
	if b.prepareErr != nil {
		return nil, b.prepareErr
	}
	b.mu.Lock()
	b.prepared = append(b.prepared, req)
	b.mu.Unlock()
	res := prepare.NewResponse(req, b.nodeID)
	v := transaction.Version{TopologyVersion: req.TopologyVersion, Order: 9, NodeOrder: 2}
	res.DhtVersions = []prepare.EntryVersion{{Cache: "accounts", Key: "k1", Version: &v}}
	return res, nil
}

func (b *fakeBackend) Release(_ context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	b.mu.Lock()
	b.released = append(b.released, req.XidVersion)
	b.mu.Unlock()
	return &ReleaseResponse{Released: 3}, nil
}

func (b *fakeBackend) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return &PingResponse{NodeID: b.nodeID.String(), TopologyVersion: 7}, nil
}

func (b *fakeBackend) Execute(_ context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return &ExecuteResponse{TxID: uuid.NewString(), State: transaction.TxStatePrepared.String(), Released: len(req.Ops)}, nil
}

type delivery struct {
	node uuid.UUID
	res  *prepare.Response
}

type chanDeliverer chan delivery

func (d chanDeliverer) Deliver(nodeID uuid.UUID, res *prepare.Response) bool {
	d <- delivery{nodeID, res}
	return true
}

type fixture struct {
	node    cluster.Node
	backend *fakeBackend
	pool    *connection.PoolManager
	client  *Client
	got     chanDeliverer
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lis := bufconn.Listen(1 << 20)
	backend := &fakeBackend{nodeID: uuid.New()}
	srv := NewServer(backend, cfg, logger)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	pool := connection.NewPoolManager(logger, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() { pool.Close() })

	got := make(chanDeliverer, 8)
	client := NewClient(uuid.New(), pool, ClientConfig{RequestTimeout: 2 * time.Second}, logger)
	client.Bind(got)
	return &fixture{
		node:    cluster.Node{ID: backend.nodeID, Name: "remote", Addr: "bufnet"},
		backend: backend,
		pool:    pool,
		client:  client,
		got:     got,
	}
}

func (f *fixture) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-f.got:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no prepare reply delivered")
		return delivery{}
	}
}

func newRequest() *prepare.Request {
	return &prepare.Request{
		FutureID:        uuid.NewString(),
		MiniID:          uuid.NewString(),
		TopologyVersion: 4,
		XidVersion:      transaction.Version{TopologyVersion: 4, Order: 1, NodeOrder: 1},
		Writes:          []prepare.WireEntry{{Cache: "accounts", Key: "k1", Op: transaction.OpUpdate, Value: []byte("v")}},
		Last:            true,
	}
}

// --- Tests ---

func TestSend_DeliversReply(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := newRequest()
	require.NoError(t, f.client.Send(f.node, req))

	d := f.next(t)
	require.Equal(t, f.node.ID, d.node)
	require.Nil(t, d.res.Err)
	require.Equal(t, req.FutureID, d.res.FutureID)
	require.Equal(t, req.MiniID, d.res.MiniID)
	require.Len(t, d.res.DhtVersions, 1)
	require.Equal(t, uint64(9), d.res.DhtVersions[0].Version.Order)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	require.Len(t, f.backend.prepared, 1)
	require.Equal(t, req.XidVersion, f.backend.prepared[0].XidVersion)
	require.Equal(t, []byte("v"), f.backend.prepared[0].Writes[0].Value)
}

func TestSend_UnavailableBecomesTopologyError(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	f.backend.prepareErr = status.Error(codes.Unavailable, "node stopping")
	require.NoError(t, f.client.Send(f.node, newRequest()))

	d := f.next(t)
	require.NotNil(t, d.res.Err)
	require.Equal(t, transaction.KindTopology, d.res.Err.Kind)
	var topErr *transaction.TopologyError
	require.ErrorAs(t, d.res.Err.Err(), &topErr)
	require.Equal(t, f.node.ID, topErr.NodeID)
}

func TestSend_OtherFailuresAreApplicationErrors(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	f.backend.prepareErr = errors.New("disk full")
	require.NoError(t, f.client.Send(f.node, newRequest()))

	d := f.next(t)
	require.NotNil(t, d.res.Err)
	require.Equal(t, transaction.KindApplication, d.res.Err.Kind)
	require.Contains(t, d.res.Err.Message, "disk full")
}

func TestSend_PanicIsReportedAsInternal(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	f.backend.panicOn = MethodPrepare
	require.NoError(t, f.client.Send(f.node, newRequest()))

	d := f.next(t)
	require.NotNil(t, d.res.Err)
	require.Contains(t, d.res.Err.Message, codes.Internal.String())
}

func TestSend_ClosedPoolFailsFast(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	require.NoError(t, f.pool.Close())

	err := f.client.Send(f.node, newRequest())
	require.True(t, transaction.IsTopologyError(err))
	require.Empty(t, f.got)
}

func TestSend_WithoutDelivererFails(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	c := NewClient(uuid.New(), f.pool, ClientConfig{}, zaptest.NewLogger(t))
	require.Error(t, c.Send(f.node, newRequest()))
}

func TestPingAndRelease(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	ctx := context.Background()
	require.NoError(t, f.client.Ping(ctx, f.node))

	impostor := f.node
	impostor.ID = uuid.New()
	require.True(t, transaction.IsTopologyError(f.client.Ping(ctx, impostor)))

	xid := transaction.Version{TopologyVersion: 4, Order: 12, NodeOrder: 3}
	n, err := f.client.Release(ctx, f.node, xid)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []transaction.Version{xid}, f.backend.released)
}

func TestServer_RateLimitSparesPing(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimit: 0.001, Burst: 1})
	ctx := context.Background()
	req := &ExecuteRequest{Ops: []ExecuteOp{{Cache: "accounts", Key: "a", Op: transaction.OpUpdate}}}

	res, err := f.client.Execute(ctx, f.node.Addr, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)

	_, err = f.client.Execute(ctx, f.node.Addr, req)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	require.NoError(t, f.client.Ping(ctx, f.node))
}
