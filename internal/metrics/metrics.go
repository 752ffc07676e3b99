package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds the instruments for one agent. A nil *Metrics is valid and
// records nothing, so library callers need not wire a registry.
type Metrics struct {
	registry *prometheus.Registry

	// TokenExchanges counts authorization code exchanges by result.
	TokenExchanges *prometheus.CounterVec

	// TokenRefreshes counts refresh grants by result.
	TokenRefreshes *prometheus.CounterVec

	// QRTransitions counts QR login state changes by target state.
	QRTransitions *prometheus.CounterVec

	// QRFallbacks counts push channel failures that switched to polling.
	QRFallbacks prometheus.Counter

	// StaleEvents counts events dropped because they belonged to an
	// abandoned attempt.
	StaleEvents prometheus.Counter
}

// New registers the instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TokenExchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermate_token_exchanges_total",
				Help: "The total number of authorization code exchanges.",
			},
			[]string{"result"},
		),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermate_token_refreshes_total",
				Help: "The total number of refresh token grants.",
			},
			[]string{"result"},
		),
		QRTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermate_qr_login_transitions_total",
				Help: "The total number of QR login state transitions.",
			},
			[]string{"state"},
		),
		QRFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tiermate_qr_login_push_fallbacks_total",
				Help: "The total number of times the push channel failed and polling took over.",
			},
		),
		StaleEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tiermate_qr_login_stale_events_total",
				Help: "The total number of events dropped for an abandoned login attempt.",
			},
		),
	}
}

func (m *Metrics) Exchange(result string) {
	if m == nil {
		return
	}
	m.TokenExchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.QRTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.QRFallbacks.Inc()
}

func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.StaleEvents.Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
