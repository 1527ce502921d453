package notification

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/kalbasit/hazlock/pkg/notification"

	modeSync  = "sync"
	modeAsync = "async"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// notificationsPostedTotal tracks notifications handed to a Sender.
	//nolint:gochecknoglobals
	notificationsPostedTotal metric.Int64Counter

	// notificationsMergedTotal tracks buffered notifications folded into an
	// earlier one.
	//nolint:gochecknoglobals
	notificationsMergedTotal metric.Int64Counter

	// notificationsPublishedTotal tracks notifications accepted by the outer channel.
	//nolint:gochecknoglobals
	notificationsPublishedTotal metric.Int64Counter

	// notificationPublishFailuresTotal tracks failed publications.
	//nolint:gochecknoglobals
	notificationPublishFailuresTotal metric.Int64Counter

	// notificationBatchSize tracks how many notifications an accumulation
	// window released.
	//nolint:gochecknoglobals
	notificationBatchSize metric.Int64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	notificationsPostedTotal, err = meter.Int64Counter(
		"hazlock_notifications_posted_total",
		metric.WithDescription("Total number of notifications posted"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		panic(err)
	}

	notificationsMergedTotal, err = meter.Int64Counter(
		"hazlock_notifications_merged_total",
		metric.WithDescription("Total number of notifications merged while accumulating"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		panic(err)
	}

	notificationsPublishedTotal, err = meter.Int64Counter(
		"hazlock_notifications_published_total",
		metric.WithDescription("Total number of notifications published on the outer channel"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		panic(err)
	}

	notificationPublishFailuresTotal, err = meter.Int64Counter(
		"hazlock_notification_publish_failures_total",
		metric.WithDescription("Total number of failed notification publications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}

	notificationBatchSize, err = meter.Int64Histogram(
		"hazlock_notification_batch_size",
		metric.WithDescription("Number of notifications released by an accumulation window"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordPosted(ctx context.Context, kind Kind, mode string) {
	if notificationsPostedTotal == nil {
		return
	}

	notificationsPostedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("mode", mode),
		),
	)
}

func recordMerged(ctx context.Context, kind Kind) {
	if notificationsMergedTotal == nil {
		return
	}

	notificationsMergedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordPublished(ctx context.Context, kind Kind) {
	if notificationsPublishedTotal == nil {
		return
	}

	notificationsPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordPublishFailure(ctx context.Context, kind Kind) {
	if notificationPublishFailuresTotal == nil {
		return
	}

	notificationPublishFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordBatchSize(ctx context.Context, size int) {
	if notificationBatchSize == nil {
		return
	}

	notificationBatchSize.Record(ctx, int64(size))
}
