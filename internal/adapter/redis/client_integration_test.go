package redis

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Connects(t *testing.T) {
	client := setupTestClient(t)

	err := client.Ping(context.Background()).Err()
	require.NoError(t, err)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url", nil)
	require.Error(t, err)
}

func TestNewClient_RecordsMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())

	client, err := NewClient(ctx, testRedisURL, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_ = client.Get(ctx, "missing").Err()

	assert.InDelta(t, 1, testutil.ToFloat64(m.Ops.WithLabelValues("set", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Ops.WithLabelValues("get", "success")), 0, "nil replies are not errors")
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnErrors), 0)
}
