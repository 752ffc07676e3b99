package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Exchange(ResultSuccess)
	m.Exchange(ResultRejected)
	m.Exchange(ResultSuccess)
	m.Refresh(ResultError)
	m.Transition("PENDING")
	m.Fallback()
	m.StaleEvent()
	m.StaleEvent()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokenExchanges.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenExchanges.WithLabelValues(ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues(ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QRTransitions.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QRFallbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleEvents))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Exchange(ResultSuccess)
		m.Refresh(ResultSuccess)
		m.Transition("SUCCESS")
		m.Fallback()
		m.StaleEvent()
	})
	assert.NotNil(t, m.Handler())
}

func TestHandler(t *testing.T) {
	m := New()
	m.Fallback()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tiermate_qr_login_push_fallbacks_total 1")
}
