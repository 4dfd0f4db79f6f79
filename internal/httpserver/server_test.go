package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/onexay/project-vs/internal/config"
	"github.com/onexay/project-vs/internal/service"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		APIAddr:   "127.0.0.1:0",
		Storage:   config.StorageConfig{Root: t.TempDir()},
		Templates: config.TemplatesConfig{Dir: t.TempDir()},
		Registry:  config.RegistryConfig{Backend: config.RegistryBackendMemory},
		Share:     config.ShareConfig{TTL: time.Hour},
	}
}

func TestNewServerRequiresLogger(t *testing.T) {
	_, err := NewServer(context.Background(), testConfig(t), nil)
	require.ErrorContains(t, err, "logger is required")
}

func TestNewServerUnreachableKeyDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Backend = config.RegistryBackendKeyDB
	cfg.Registry.KeyDB.Addr = "127.0.0.1:1"

	_, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "keydb")
}

func TestServerRoutes(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	srv, err := NewServer(context.Background(), testConfig(t), zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := rec.Header().Get(service.HeaderSessionID)
	require.NotEmpty(t, sid)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/projects/missing", nil)
	req.Header.Set(service.HeaderSessionID, sid)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entries := observed.FilterMessage("http request").All()
	require.GreaterOrEqual(t, len(entries), 3)
	require.Equal(t, int64(http.StatusNotFound), entries[2].ContextMap()["status"])
	require.NotEmpty(t, entries[2].ContextMap()["request_id"])
}

func TestNewServerHonoursContext(t *testing.T) {
	mini := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Registry.Backend = config.RegistryBackendKeyDB
	cfg.Registry.KeyDB.Addr = mini.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewServer(ctx, cfg, zap.NewNop())
	require.ErrorIs(t, err, context.Canceled)

	srv, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerBodyLimitAndCORS(t *testing.T) {
	cfg := testConfig(t)
	cfg.BodyLimit = "1K"
	srv, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	body := `{"content":"` + strings.Repeat("x", 4096) + `"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/files/p1/big.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(service.HeaderSessionID, "s1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/projects", nil)
	req.Header.Set("Origin", "http://editor.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", service.HeaderSessionID)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), service.HeaderSessionID)
}
