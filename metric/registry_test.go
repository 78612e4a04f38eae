package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistryRegistersCoreMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r.Metrics)

	r.Metrics.ConnectionsActive.Set(3)
	r.Metrics.EventsDelivered.WithLabelValues("power_update").Inc()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["wsapi_registry_connections_active"])
	assert.True(t, names["wsapi_events_delivered_total"])
}

func TestRegisterCollectorRejectsDuplicates(t *testing.T) {
	r := NewMetricsRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "test",
	})
	require.NoError(t, r.RegisterCollector("breaker", "trips_total", c))
	assert.Error(t, r.RegisterCollector("breaker", "trips_total", c))

	assert.True(t, r.Unregister("breaker", "trips_total"))
	assert.False(t, r.Unregister("breaker", "trips_total"))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	r.Metrics.ConnectionsActive.Set(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wsapi_registry_connections_active")
}
