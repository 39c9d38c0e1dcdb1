package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfgMgr := config.NewManager(t.TempDir())
	require.NoError(t, cfgMgr.Save(&config.Config{Host: "127.0.0.1", Port: 0}))
	return New(cfgMgr, discardLogger())
}

func TestSetupRoutes_HealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	mux := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupRoutes_ProtocolEndpointsAreWired(t *testing.T) {
	s := newTestServer(t)
	mux := s.setupRoutes()

	for _, path := range []string{
		"/v1/chat/completions",
		"/v1/messages",
		"/api/chat",
		"/v1beta/models/gemini-pro:generateContent",
		"/v1/models/gemini-pro:generateContent",
	} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.NotEqual(t, http.StatusNotFound, rec.Code, "path %s should route somewhere", path)
	}
}
