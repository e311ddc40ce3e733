package main

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transport"
	"github.com/sushant-115/gojogrid/core/txservice"
)

// startingBackend serves the node while it joins the cluster. Until the
// transaction service is ready it answers pings only, so the raft leader
// can see the node is alive and admit it.
type startingBackend struct {
	local    uuid.UUID
	topology txservice.TopologySource
	svc      atomic.Pointer[txservice.Service]
}

var _ transport.Backend = (*startingBackend)(nil)

func newStartingBackend(local uuid.UUID, topology txservice.TopologySource) *startingBackend {
	return &startingBackend{local: local, topology: topology}
}

func (b *startingBackend) ready(svc *txservice.Service) { b.svc.Store(svc) }

func (b *startingBackend) service() (*txservice.Service, error) {
	svc := b.svc.Load()
	if svc == nil {
		return nil, status.Error(codes.Unavailable, "node is joining the cluster")
	}
	return svc, nil
}

func (b *startingBackend) Prepare(ctx context.Context, req *prepare.Request) (*prepare.Response, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}
	return svc.Prepare(ctx, req)
}

func (b *startingBackend) Release(ctx context.Context, req *transport.ReleaseRequest) (*transport.ReleaseResponse, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}
	return svc.Release(ctx, req)
}

func (b *startingBackend) Execute(ctx context.Context, req *transport.ExecuteRequest) (*transport.ExecuteResponse, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}
	return svc.Execute(ctx, req)
}

func (b *startingBackend) Ping(ctx context.Context, req *transport.PingRequest) (*transport.PingResponse, error) {
	if svc := b.svc.Load(); svc != nil {
		return svc.Ping(ctx, req)
	}
	return &transport.PingResponse{NodeID: b.local.String(), TopologyVersion: b.topology.Topology().Version}, nil
}
