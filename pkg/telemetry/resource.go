// Package telemetry describes a hazlock process to OpenTelemetry.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/kalbasit/hazlock/pkg/identity"
)

// Resource attributes of the coordinator a process runs as.
const (
	CoordinatorHostKey        = attribute.Key("hazlock.coordinator.host")
	CoordinatorApplicationKey = attribute.Key("hazlock.coordinator.application")
	CoordinatorThreadKey      = attribute.Key("hazlock.coordinator.thread")
)

// Coordinator returns the attributes describing the coordinator identity w.
// The full identity doubles as the service instance id.
func Coordinator(w identity.Workstation) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceInstanceID(w.String()),
		CoordinatorHostKey.String(w.Host),
		CoordinatorApplicationKey.String(w.Application),
		CoordinatorThreadKey.String(w.Thread),
	}
}

// NewResource creates the resource shared by the OTLP and Prometheus
// pipelines. Attributes from OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME
// take precedence over the ones given here.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}, extraAttrs...)

	opts := []resource.Option{
		// The detectors build on the same semconv version, a mismatch makes
		// New fail with a schema URL conflict.
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	}

	return resource.New(ctx, append(opts, processDetectors()...)...)
}

// processDetectors is resource.WithProcess without the command line, which
// carries the redis and database passwords when they are given as flags.
func processDetectors() []resource.Option {
	return []resource.Option{
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessExecutablePath(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessRuntimeDescription(),
	}
}
