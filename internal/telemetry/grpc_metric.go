package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcServerMetrics holds the metric instruments of the node's gRPC server.
type GrpcServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcServerMetrics creates and registers the gRPC server metrics.
func NewGrpcServerMetrics(meter metric.Meter) (*GrpcServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojogrid.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojogrid.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojogrid.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojogrid.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryInterceptor records every unary RPC.
func (m *GrpcServerMetrics) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := metric.WithAttributes(attribute.String("rpc.method", info.FullMethod))
		m.RpcsStartedCounter.Add(ctx, 1, method)
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, method)
		start := time.Now()

		res, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, method)
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), method)
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.code", status.Code(err).String()),
		))
		return res, err
	}
}
