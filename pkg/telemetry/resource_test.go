package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/telemetry"
)

func TestNewResourceDescribesTheCoordinator(t *testing.T) {
	t.Parallel()

	w := identity.New("dispatch-02", "hazlock", "7")

	res, err := telemetry.NewResource(context.Background(), "hazlock", "0.0.1", telemetry.Coordinator(w)...)
	require.NoError(t, err, "semconv must match the detectors' version")

	set := res.Set()

	for key, want := range map[attribute.Key]string{
		semconv.ServiceInstanceIDKey:        "dispatch-02:hazlock:7",
		telemetry.CoordinatorHostKey:        "dispatch-02",
		telemetry.CoordinatorApplicationKey: "hazlock",
		telemetry.CoordinatorThreadKey:      "7",
	} {
		v, ok := set.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.AsString(), key)
	}

	_, ok := set.Value(semconv.ProcessCommandArgsKey)
	assert.False(t, ok, "command line arguments are never exported")
}
