package session

import (
	"context"
	"time"

	"github.com/tiermate/tiermate-auth/internal/auth"
	"github.com/tiermate/tiermate-auth/internal/log"
)

// Refresher keeps the access token ahead of its expiry in the background
type Refresher struct {
	controller *Controller
	threshold  time.Duration
	interval   time.Duration
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewRefresher creates a refresher that checks every interval and
// refreshes when the access token expires within threshold.
func NewRefresher(controller *Controller, threshold, interval time.Duration) *Refresher {
	return &Refresher{
		controller: controller,
		threshold:  threshold,
		interval:   interval,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins the refresh loop
func (r *Refresher) Start(ctx context.Context) {
	go r.run(ctx)
	log.LogInfoWithFields("refresher", "Started session refresher", map[string]any{
		"interval":  r.interval.String(),
		"threshold": r.threshold.String(),
	})
}

// Stop gracefully stops the refresh loop
func (r *Refresher) Stop() {
	close(r.stopChan)
	<-r.doneChan
	log.LogInfoWithFields("refresher", "Stopped session refresher", nil)
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Check immediately on start
	r.check(ctx)

	for {
		select {
		case <-ticker.C:
			r.check(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) check(ctx context.Context) {
	result, err := r.controller.EnsureFresh(ctx, r.threshold)
	switch {
	case result == auth.FreshRefreshed:
		log.LogDebugWithFields("refresher", "Session refreshed", nil)
	case result == auth.FreshSignedOut:
		fields := map[string]any{}
		if err != nil {
			fields["error"] = err.Error()
		}
		log.LogWarnWithFields("refresher", "Refresh failed, session signed out", fields)
	case err != nil:
		log.LogErrorWithFields("refresher", "Session check failed", map[string]any{"error": err.Error()})
	}
}
