package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musabulbul/kurumtakip/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SessionRoot = filepath.Join(t.TempDir(), "sessions")
	cfg.Tenants.Backend = config.BackendMemory
	cfg.Tenants.DefaultSessionID = "default"
	cfg.Protocol.ConnectDelay = 0
	return cfg
}

func TestNewAppServesHealthAndSessions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ts := httptest.NewServer(a.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Sessions   []json.RawMessage `json:"sessions"`
		TotalCount int               `json:"total_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Zero(t, body.TotalCount)
}

func TestNewAppUsesBboltTenants(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants.Backend = config.BackendBbolt
	cfg.Tenants.Path = filepath.Join(t.TempDir(), "tenants.db")

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestNewAppRejectsBadTrustedProxy(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.TrustedProxies = []string{"not-a-cidr"}

	_, err := newApp(context.Background(), cfg, slog.Default())
	assert.ErrorContains(t, err, "invalid trusted proxy")
}

func TestOpenTenantStoreUnknownBackend(t *testing.T) {
	_, _, err := openTenantStore(context.Background(), config.Tenants{Backend: "postgres"})
	assert.ErrorContains(t, err, "unknown tenant backend")
}

func TestNewDialerUnknownDriver(t *testing.T) {
	_, err := newDialer(config.Protocol{Driver: "carrier-pigeon"}, slog.Default())
	assert.ErrorContains(t, err, "unknown protocol driver")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	_, err = newLogger(&buf, "loud")
	assert.Error(t, err)
}
