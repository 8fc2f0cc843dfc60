package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LockMetrics holds the metric instruments for the lock coordination layer.
// All recording methods are safe on a nil receiver so callers can run
// without a meter wired.
type LockMetrics struct {
	AcquireLatencyHistogram metric.Int64Histogram
	PendingWaitHistogram    metric.Int64Histogram
	TimeoutsCounter         metric.Int64Counter
	ReleasedCounter         metric.Int64Counter
	HeldLocksUpDownCounter  metric.Int64UpDownCounter
}

// NewLockMetrics creates and registers all the metrics for lock coordination.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	acquireLatencyHistogram, err := meter.Int64Histogram(
		"gojocache.locks.acquire.duration",
		metric.WithDescription("Time spent acquiring a key lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pendingWaitHistogram, err := meter.Int64Histogram(
		"gojocache.locks.pending_wait.duration",
		metric.WithDescription("Time spent waiting on transactions from older topologies."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	timeoutsCounter, err := meter.Int64Counter(
		"gojocache.locks.timeouts_total",
		metric.WithDescription("Total number of lock acquisition timeouts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	releasedCounter, err := meter.Int64Counter(
		"gojocache.locks.released_total",
		metric.WithDescription("Total number of key locks released."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heldLocksUpDownCounter, err := meter.Int64UpDownCounter(
		"gojocache.locks.held",
		metric.WithDescription("Number of key locks currently held."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		AcquireLatencyHistogram: acquireLatencyHistogram,
		PendingWaitHistogram:    pendingWaitHistogram,
		TimeoutsCounter:         timeoutsCounter,
		ReleasedCounter:         releasedCounter,
		HeldLocksUpDownCounter:  heldLocksUpDownCounter,
	}, nil
}

// ObserveAcquire records a successful acquisition's latency.
func (m *LockMetrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireLatencyHistogram.Record(context.Background(), d.Milliseconds())
	m.HeldLocksUpDownCounter.Add(context.Background(), 1)
}

// ObservePendingWait records time spent waiting on older transactions.
func (m *LockMetrics) ObservePendingWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PendingWaitHistogram.Record(context.Background(), d.Milliseconds())
}

// IncTimeout counts a timeout, attributed to its cause.
func (m *LockMetrics) IncTimeout(cause string) {
	if m == nil {
		return
	}
	m.TimeoutsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("cause", cause)))
}

// AddReleased counts released locks and shrinks the held gauge.
func (m *LockMetrics) AddReleased(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReleasedCounter.Add(context.Background(), int64(n))
	m.HeldLocksUpDownCounter.Add(context.Background(), int64(-n))
}
