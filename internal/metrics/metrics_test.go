package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTransaction(t *testing.T) {
	m := New()

	m.ObserveTransaction(true, 10)
	m.ObserveTransaction(true, 5)
	m.ObserveTransaction(false, 99)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.transactions.WithLabelValues("cashback")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transactions.WithLabelValues("no_cashback")))
	assert.Equal(t, float64(15), testutil.ToFloat64(m.cashbackAmount))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRuleSetCreated()
	m.ObserveTransaction(true, 1)
	m.ObserveError("store")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRuleSetCreated()
	m.ObserveError("")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, "cashback_rulesets_created_total 1"))
	assert.True(t, strings.Contains(body, `cashback_pipeline_errors_total{stage="unknown"} 1`))
}
