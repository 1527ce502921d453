package prometheus_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kalbasit/hazlock/pkg/prometheus"
	"github.com/kalbasit/hazlock/pkg/telemetry"
)

func scrape(ctx context.Context, t *testing.T, h http.Handler) string {
	t.Helper()

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}

// Setup replaces the global meter provider.
//
//nolint:paralleltest
func TestSetup(t *testing.T) {
	ctx := context.Background()

	res, err := telemetry.NewResource(ctx, "hazlock-test", "0.0.1")
	require.NoError(t, err)

	metrics, err := prometheus.Setup(ctx, res)
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, metrics.Shutdown(ctx)) })

	granted, err := otel.Meter("prometheus_test").Int64Counter("hazlock_test_locks_granted_total")
	require.NoError(t, err)

	granted.Add(ctx, 3)

	body := scrape(ctx, t, metrics.Handler())

	assert.Regexp(t, `hazlock_test_locks_granted_total\{[^}]*\} 3`, body)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `service_name="hazlock-test"`)
}
