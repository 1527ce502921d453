package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/otel"
	"github.com/kalbasit/hazlock/pkg/telemetry"
)

//nolint:paralleltest
func TestSetupOTelSDK(t *testing.T) {
	ctx := context.Background()

	res, err := telemetry.NewResource(ctx, "hazlock-test", "0.0.1")
	require.NoError(t, err)

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := otel.SetupOTelSDK(ctx, otel.Config{}, res)
		require.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("EnabledStdout", func(t *testing.T) {
		shutdown, err := otel.SetupOTelSDK(ctx, otel.Config{Enabled: true}, res)
		require.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("UnknownProtocol", func(t *testing.T) {
		_, err := otel.SetupOTelSDK(ctx, otel.Config{Enabled: true, Protocol: "carrier-pigeon"}, res)
		require.ErrorIs(t, err, otel.ErrUnknownProtocol)
	})

	// The collector paths need a running collector
}
