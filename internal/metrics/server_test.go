package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	server := NewServer(9999, log)

	assert.NotNil(t, server)
	assert.Equal(t, 9999, server.port)
	assert.Nil(t, server.server) // Server not started yet
}

func TestHealthHandler(t *testing.T) {
	log := zerolog.Nop()

	t.Run("healthy without probe", func(t *testing.T) {
		server := NewServer(0, log)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
		assert.Contains(t, w.Body.String(), `"version":"dev"`)
	})

	t.Run("degraded when probe fails", func(t *testing.T) {
		server := NewServer(0, log).WithHealth("0.1.0", func(ctx context.Context) error {
			return errors.New("journal unreachable")
		})
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"degraded"`)
		assert.Contains(t, w.Body.String(), "journal unreachable")
	})
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	RecordGatewayCall("TTTC8001R", 12.5, nil)
	SetPendingOrders(3)

	server := NewServer(0, zerolog.Nop())
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "brokercore_gateway_call_latency_ms")
	assert.Contains(t, body, "brokercore_pending_orders 3")
}

func TestServerStartAndShutdown(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 9998

	server := NewServer(port, log)
	require.NoError(t, server.Start())

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	time.Sleep(100 * time.Millisecond)
	resp2, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if resp2 != nil {
		resp2.Body.Close()
	}
	assert.Error(t, err) // Should fail because server is stopped
}

func TestShutdownWithoutStart(t *testing.T) {
	server := NewServer(9994, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
