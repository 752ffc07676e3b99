package internal

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/idp"
	fake "github.com/tiermate/tiermate-auth/internal/testutil"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewAppFileStorageSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	provider := fake.NewFakeIdP(t)
	provider.AddUser("ada@example.com", "secret1", idp.User{ID: "1", DisplayName: "Ada"})

	cfg := provider.Config()
	cfg.Storage = config.StorageConfig{
		Kind:          config.StorageFile,
		Path:          filepath.Join(t.TempDir(), "session.db"),
		EncryptionKey: config.Secret(strings.Repeat("k", 32)),
	}

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Controller.SignInWithPassword(ctx, "ada@example.com", "secret1").Err)
	require.NoError(t, app.Close())

	app, err = NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	state := app.Controller.Initialize(ctx)
	require.True(t, state.SignedIn())
	assert.Equal(t, "Ada", state.User.DisplayName)
}

func TestNewAppRejectsBadEncryptionKey(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Kind: config.StorageFile, Path: filepath.Join(t.TempDir(), "s.db")}

	_, err := NewApp(cfg)
	assert.Error(t, err)
}

func TestRunAgent(t *testing.T) {
	provider := fake.NewFakeIdP(t)
	cfg := provider.Config()
	cfg.Agent.Addr = freeAddr(t)

	app, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunAgent(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Agent.Addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestRunAgentListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	provider := fake.NewFakeIdP(t)
	cfg := provider.Config()
	cfg.Agent.Addr = ln.Addr().String()

	app, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	err = app.RunAgent(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP server error")
}
