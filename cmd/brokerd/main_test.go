package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/config"
)

const paperConfig = `
app:
  log_level: warn
broker:
  paper_trading: true
api:
  port: 18081
monitoring:
  prometheus_port: 19100
`

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// TestNewApp_Paper tests that paper mode builds without broker credentials
func TestNewApp_Paper(t *testing.T) {
	cfg := loadConfig(t, paperConfig)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown(context.Background()) })

	assert.NotNil(t, a.ctrl)
	assert.Nil(t, a.gw)
	assert.Nil(t, a.database)
	assert.Nil(t, a.publisher)
	require.NotNil(t, a.api)
	require.NotNil(t, a.metrics)

	w := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Gateway limits need the live gateway
	w = httptest.NewRecorder()
	a.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/gateway/limits", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNewApp_WithNATS(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	cfg := loadConfig(t, paperConfig)
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ns.ClientURL()

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown(context.Background()) })

	require.NotNil(t, a.publisher)
	checks := a.healthChecks()
	require.Contains(t, checks, "nats")
	assert.NoError(t, checks["nats"](context.Background()))
}

func TestNewApp_BadMarket(t *testing.T) {
	cfg := loadConfig(t, paperConfig)
	cfg.Orders.BarMinutes = 0

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}
