package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/metrics"
)

// NewRouter builds the agent's routes. m may be nil, in which case the
// default Prometheus registry is served.
func NewRouter(cfg config.Config, h *Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(
		NewRecoverMiddleware("agent"),
		NewLoggerMiddleware("agent"),
		NewCORSMiddleware(cfg.Agent.AllowedOrigins),
	)

	r.Method(http.MethodGet, "/health", NewHealthHandler())
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Get("/auth/callback", h.CallbackHandler)
	r.Post("/auth/message", h.MessageHandler)

	r.Get("/session", h.SessionHandler)
	r.Get("/session/events", h.SessionEventsHandler)
	r.Post("/session/logout", h.LogoutHandler)

	r.Post("/login/qr", h.QRStartHandler)
	r.Get("/login/qr", h.QRStatusHandler)
	r.Delete("/login/qr", h.QRCancelHandler)

	return r
}
