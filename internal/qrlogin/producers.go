package qrlogin

import (
	"context"
	"errors"
	"io"

	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
)

// runPush reads the provider's event stream. Losing the stream is not a
// login failure: the producer switches to polling in the same goroutine.
func (m *Manager) runPush(ctx context.Context, a *attempt) {
	stream, err := m.provider.SubscribeEvents(ctx, a.loginID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fallback(a, err)
		m.runPoll(ctx, a)
		return
	}

	// Next blocks on the network; closing the stream is what unblocks it
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClose()

	for {
		ev, err := stream.Next()
		if err != nil {
			_ = stream.Close()
			if ctx.Err() != nil {
				return
			}
			m.fallback(a, err)
			m.runPoll(ctx, a)
			return
		}

		if !m.send(ctx, event{kind: evStatus, gen: a.gen, source: "push", status: ev}) {
			_ = stream.Close()
			return
		}

		// The provider closes the stream after these; wait for teardown
		// instead of treating the close as a lost channel.
		if target, ok := stateForStatus(ev.Normalize().Status); ok && (target == StateCompleting || target.Terminal()) {
			<-ctx.Done()
			_ = stream.Close()
			return
		}
	}
}

func (m *Manager) fallback(a *attempt, err error) {
	fields := map[string]any{
		"login_id": a.loginID,
		"error":    err.Error(),
	}
	switch {
	case errors.Is(err, idp.ErrFallback):
		log.LogInfoWithFields("qr_login", "Provider requested polling fallback", fields)
	case errors.Is(err, io.EOF):
		log.LogInfoWithFields("qr_login", "Push channel closed, polling instead", fields)
	default:
		log.LogWarnWithFields("qr_login", "Push channel unavailable, polling instead", fields)
	}
	m.metrics.Fallback()
}

// runPoll asks for the login status every pollInterval. Poll errors are
// logged and retried on the next tick.
func (m *Manager) runPoll(ctx context.Context, a *attempt) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.pollInterval):
		}

		ev, err := m.provider.LoginStatus(ctx, a.loginID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogWarnWithFields("qr_login", "Login status poll failed", map[string]any{
				"login_id": a.loginID,
				"error":    err.Error(),
			})
			continue
		}
		if !m.send(ctx, event{kind: evStatus, gen: a.gen, source: "poll", status: ev}) {
			return
		}
	}
}

// runExpiry forces EXPIRED when the window closes, whatever the server says
func (m *Manager) runExpiry(ctx context.Context, a *attempt) {
	select {
	case <-ctx.Done():
	case <-m.clock.After(a.expiresIn):
		log.LogInfoWithFields("qr_login", "QR login window elapsed", map[string]any{
			"login_id": a.loginID,
		})
		m.send(ctx, event{kind: evExpired, gen: a.gen, source: "expiry"})
	}
}

// runMarker watches for a completion marker written by another context
func (m *Manager) runMarker(ctx context.Context, a *attempt) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.markerPollInterval):
		}

		found, err := m.markers.Match(ctx, a.loginID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogWarnWithFields("qr_login", "Reading completion marker failed", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if !found {
			continue
		}

		if err := m.markers.Clear(ctx); err != nil {
			log.LogWarnWithFields("qr_login", "Failed to clear completion marker", map[string]any{
				"error": err.Error(),
			})
		}
		m.send(ctx, event{
			kind:   evCompletion,
			gen:    a.gen,
			source: "marker",
			status: idp.StatusEvent{Status: idp.StatusCompleted},
		})
		return
	}
}
