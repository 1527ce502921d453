package lock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/kalbasit/hazlock/pkg/lock"

// The job lock instruments. They stay nil until init succeeds so the Record
// helpers are safe to call from tests that never install a meter provider.
//
//nolint:gochecknoglobals
var (
	jobLockAttempts metric.Int64Counter
	jobLockHeld     metric.Float64Histogram
	jobLockFailures metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter := otel.Meter(otelPackageName)

	var err error

	jobLockAttempts, err = meter.Int64Counter(
		"hazlock_job_lock_attempts_total",
		metric.WithDescription("Job lock acquisition attempts, by result (success, contention, retry)"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	jobLockHeld, err = meter.Float64Histogram(
		"hazlock_job_lock_held_seconds",
		metric.WithDescription("How long a job lock was held before its release"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	jobLockFailures, err = meter.Int64Counter(
		"hazlock_job_lock_failures_total",
		metric.WithDescription("Job lock operations that failed, by reason"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}
}

func jobAttrs(mode, key string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.String("job", key),
	}, extra...)...)
}

// RecordAcquire counts one attempt on the job lock key. mode is LockModeLocal
// or LockModeDistributed and result one of the LockResult labels.
func RecordAcquire(ctx context.Context, mode, key, result string) {
	if jobLockAttempts == nil {
		return
	}

	jobLockAttempts.Add(ctx, 1, jobAttrs(mode, key, attribute.String("result", result)))
}

// RecordHeld records how long key was held.
func RecordHeld(ctx context.Context, mode, key string, held time.Duration) {
	if jobLockHeld == nil {
		return
	}

	jobLockHeld.Record(ctx, held.Seconds(), jobAttrs(mode, key))
}

// RecordFailure counts a failed operation on key. reason is one of the
// LockFailure labels.
func RecordFailure(ctx context.Context, mode, key, reason string) {
	if jobLockFailures == nil {
		return
	}

	jobLockFailures.Add(ctx, 1, jobAttrs(mode, key, attribute.String("reason", reason)))
}
