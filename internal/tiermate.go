package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiermate/tiermate-auth/internal/auth"
	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/crypto"
	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/metrics"
	"github.com/tiermate/tiermate-auth/internal/qrlogin"
	"github.com/tiermate/tiermate-auth/internal/server"
	"github.com/tiermate/tiermate-auth/internal/session"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// App wires the auth components for one process
type App struct {
	Config     config.Config
	Metrics    *metrics.Metrics
	Store      storage.KV
	Tokens     *storage.TokenStore
	Attempts   *storage.AttemptStore
	Markers    *storage.MarkerStore
	Transport  *auth.Transport
	Client     *idp.Client
	Controller *session.Controller
	QR         *qrlogin.Manager
}

// NewApp opens the configured store and builds every component on it
func NewApp(cfg config.Config) (*App, error) {
	log.LogInfoWithFields("tiermate", "Building auth components", map[string]any{
		"authBase": cfg.AuthBase,
		"storage":  string(cfg.Storage.Kind),
	})

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	m := metrics.New()
	tokens := storage.NewTokenStore(store)
	attempts := storage.NewAttemptStore(store)

	markerKey, err := setupMarkerKey(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	markers := storage.NewMarkerStore(store, markerKey)

	transport, err := auth.NewTransport(cfg, tokens, auth.WithMetrics(m))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create auth transport: %w", err)
	}
	client, err := idp.NewClient(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create identity provider client: %w", err)
	}

	controller := session.NewController(cfg, transport, client, tokens, attempts)
	qr := qrlogin.NewManager(cfg, client, transport, attempts, tokens,
		qrlogin.WithMetrics(m),
		qrlogin.WithMarkers(markers),
	)

	return &App{
		Config:     cfg,
		Metrics:    m,
		Store:      store,
		Tokens:     tokens,
		Attempts:   attempts,
		Markers:    markers,
		Transport:  transport,
		Client:     client,
		Controller: controller,
		QR:         qr,
	}, nil
}

// setupMarkerKey returns the configured marker signing key. Without one a
// random key is used, so markers only verify inside this process.
func setupMarkerKey(cfg config.Config) ([]byte, error) {
	if cfg.QRLogin.MarkerKey != "" {
		return []byte(cfg.QRLogin.MarkerKey), nil
	}

	key, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate marker key: %w", err)
	}
	log.LogWarnWithFields("tiermate", "No qrLogin.markerKey configured, completion markers from other processes will be ignored", nil)
	return []byte(key), nil
}

// Close stops the QR manager and closes the store
func (a *App) Close() error {
	return errors.Join(a.QR.Close(), a.Store.Close())
}

// RunAgent serves the local agent and keeps the session fresh until ctx is
// cancelled or the listener fails.
func (a *App) RunAgent(ctx context.Context) error {
	log.LogInfoWithFields("tiermate", "Starting local agent", map[string]any{
		"addr": a.Config.Agent.Addr,
	})

	state := a.Controller.Initialize(ctx)
	log.LogInfoWithFields("tiermate", "Session loaded", map[string]any{
		"signed_in": state.SignedIn(),
	})

	handlers := server.NewHandlers(a.Controller, a.QR, a.Attempts)
	defer handlers.Close()

	httpServer := server.NewHTTPServer(server.NewRouter(a.Config, handlers, a.Metrics), a.Config.Agent.Addr)
	refresher := session.NewRefresher(a.Controller,
		a.Config.Session.RefreshThreshold.Std(),
		a.Config.Session.RefreshInterval.Std(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		refresher.Start(gctx)
		<-gctx.Done()
		refresher.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("tiermate", "Starting graceful shutdown", map[string]any{
			"timeout": shutdownTimeout.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		log.LogErrorWithFields("tiermate", "Agent stopped with error", map[string]any{"error": err.Error()})
		return err
	}
	log.LogInfoWithFields("tiermate", "Agent shutdown complete", nil)
	return nil
}
