package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_TokenCounters(t *testing.T) {
	m := New(Config{ServiceName: "tokenkeeper"})

	m.RecordTokenLookup("zoho", OutcomeValid)
	m.RecordTokenLookup("zoho", OutcomeValid)
	m.RecordTokenLookup("zoho", OutcomeRefreshed)
	m.RecordTokenWrite("zoho", "exchange")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokenLookups.WithLabelValues("zoho", OutcomeValid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenLookups.WithLabelValues("zoho", OutcomeRefreshed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenWrites.WithLabelValues("zoho", "exchange")))
}

func TestMetrics_ProviderRequest(t *testing.T) {
	m := New(Config{})

	m.RecordProviderRequest("google", "refresh", http.StatusBadRequest, 20*time.Millisecond)
	m.RecordProviderRequest("google", "refresh", 0, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRequestsTotal.WithLabelValues("google", "refresh", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRequestsTotal.WithLabelValues("google", "refresh", "0")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.providerRequestDuration))
}

func TestMetrics_BreakerAndSweep(t *testing.T) {
	m := New(Config{})

	m.SetCircuitBreakerState("provider:zoho", 1)
	m.RecordCircuitBreakerTrip("provider:zoho")
	m.RecordSweep("ok")
	m.RecordSweepToken("zoho", OutcomeRefreshFailed)
	m.SetDBConnections("postgres", 3, 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerState.WithLabelValues("provider:zoho")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerTrips.WithLabelValues("provider:zoho")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepTokens.WithLabelValues("zoho", OutcomeRefreshFailed)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTokenLookup("zoho", OutcomeValid)
		m.RecordProviderRequest("zoho", "exchange", 200, time.Millisecond)
		m.RecordRateLimitWait("zoho", time.Millisecond)
		m.SetCircuitBreakerState("x", 0)
		m.RecordSweep("ok")
	})
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := New(Config{ServiceName: "tokenkeeper"})

	h := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("tokenkeeper", "GET", "/health", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tokenkeeper_http_requests_total"))
}
