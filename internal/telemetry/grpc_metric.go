package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
)

// GrpcMetrics holds the metric instruments for the gRPC surface.
type GrpcMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcMetrics creates and registers all the metrics for the gRPC surface.
func NewGrpcMetrics(meter metric.Meter) (*GrpcMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojocache.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojocache.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojocache.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojocache.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryInterceptor records per-RPC metrics. Safe on a nil receiver.
func (m *GrpcMetrics) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if m == nil {
			return handler(ctx, req)
		}
		method := attribute.String("method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		resp, err := handler(ctx, req)

		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			method, attribute.Bool("ok", err == nil)))
		return resp, err
	}
}
