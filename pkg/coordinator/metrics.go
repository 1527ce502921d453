package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable"
)

const (
	otelPackageName = "github.com/kalbasit/hazlock/pkg/coordinator"

	denialHeld    = "held"
	denialExpired = "expired"
	denialFailed  = "failed"
	denialStorage = "storage"

	resultSuccess = "success"
	resultDenied  = "denied"
	resultError   = "error"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	operationsTotal metric.Int64Counter

	//nolint:gochecknoglobals
	operationDuration metric.Float64Histogram

	//nolint:gochecknoglobals
	lockDenialsTotal metric.Int64Counter

	//nolint:gochecknoglobals
	orphansDeletedTotal metric.Int64Counter

	//nolint:gochecknoglobals
	broadcastFailuresTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	operationsTotal, err = meter.Int64Counter(
		"hazlock_coordinator_operations_total",
		metric.WithDescription("Total number of coordinator requests by type and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	operationDuration, err = meter.Float64Histogram(
		"hazlock_coordinator_operation_duration_seconds",
		metric.WithDescription("Duration of coordinator requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	lockDenialsTotal, err = meter.Int64Counter(
		"hazlock_coordinator_lock_denials_total",
		metric.WithDescription("Total number of denied lock batches by reason"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		panic(err)
	}

	orphansDeletedTotal, err = meter.Int64Counter(
		"hazlock_coordinator_orphans_deleted_total",
		metric.WithDescription("Total number of orphaned locks deleted"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		panic(err)
	}

	broadcastFailuresTotal, err = meter.Int64Counter(
		"hazlock_coordinator_broadcast_failures_total",
		metric.WithDescription("Total number of lock changes that could not be broadcast"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordOperation(ctx context.Context, typ RequestType, success bool, err error, elapsed time.Duration) {
	if operationsTotal == nil || operationDuration == nil {
		return
	}

	result := resultSuccess

	switch {
	case err != nil:
		result = resultError
	case !success:
		result = resultDenied
	}

	attrs := metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("result", result),
	)

	operationsTotal.Add(ctx, 1, attrs)
	operationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func recordDenial(ctx context.Context, reason string) {
	if lockDenialsTotal == nil {
		return
	}

	lockDenialsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordOrphansDeleted(ctx context.Context, ns locktable.Namespace, n int) {
	if orphansDeletedTotal == nil || n == 0 {
		return
	}

	orphansDeletedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("namespace", ns.String())))
}

func recordBroadcastFailure(ctx context.Context, op lockchange.Operation) {
	if broadcastFailuresTotal == nil {
		return
	}

	broadcastFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op))))
}
