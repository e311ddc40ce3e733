package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
)

const serviceName = "gojogrid.TxService"

// Full method names of the transaction service.
const (
	MethodPrepare = "/" + serviceName + "/Prepare"
	MethodRelease = "/" + serviceName + "/Release"
	MethodPing    = "/" + serviceName + "/Ping"
	MethodExecute = "/" + serviceName + "/Execute"
)

// ReleaseRequest drops every lock a transaction holds on the receiving node.
type ReleaseRequest struct {
	XidVersion transaction.Version `codec:"xid_ver"`
}

type ReleaseResponse struct {
	Released int `codec:"released"`
}

// PingRequest is a liveness probe.
type PingRequest struct {
	From string `codec:"from"`
}

type PingResponse struct {
	NodeID          string `codec:"node_id"`
	TopologyVersion uint64 `codec:"top_ver"`
}

// ExecuteOp is one cache operation of a client transaction.
type ExecuteOp struct {
	Cache string                `codec:"cache"`
	Key   string                `codec:"key"`
	Value []byte                `codec:"value,omitempty"`
	Op    transaction.Operation `codec:"op"`
	// Lock marks a key the client locked explicitly.
	Lock bool `codec:"lock,omitempty"`
}

// ExecuteRequest asks a node to coordinate a pessimistic transaction up to
// its prepare verdict.
type ExecuteRequest struct {
	Ops             []ExecuteOp           `codec:"ops"`
	Isolation       transaction.Isolation `codec:"isolation"`
	TimeoutMillis   int64                 `codec:"timeout_ms"`
	Implicit        bool                  `codec:"implicit"`
	NeedReturnValue bool                  `codec:"return_value"`
	SubjectID       string                `codec:"subject_id,omitempty"`
	TaskName        string                `codec:"task_name,omitempty"`
}

// ExecuteResponse reports the prepare verdict of an Execute call.
type ExecuteResponse struct {
	TxID            string                 `codec:"tx_id"`
	XidVersion      transaction.Version    `codec:"xid_ver"`
	TopologyVersion uint64                 `codec:"top_ver"`
	State           string                 `codec:"state"`
	Nodes           []prepare.NodeBackups  `codec:"nodes"`
	OnePhaseCommit  bool                   `codec:"one_phase"`
	DhtVersions     []prepare.EntryVersion `codec:"dht_vers"`
	Released        int                    `codec:"released"`
	Err             *prepare.WireError     `codec:"err,omitempty"`
}

// Backend serves the transaction service on a node.
type Backend interface {
	Prepare(ctx context.Context, req *prepare.Request) (*prepare.Response, error)
	Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error)
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

func unary[Req, Res any](method string, call func(Backend, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Backend), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Backend), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the transaction service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: unary(MethodPrepare, Backend.Prepare)},
		{MethodName: "Release", Handler: unary(MethodRelease, Backend.Release)},
		{MethodName: "Ping", Handler: unary(MethodPing, Backend.Ping)},
		{MethodName: "Execute", Handler: unary(MethodExecute, Backend.Execute)},
	},
	Metadata: "gojogrid/txservice",
}
