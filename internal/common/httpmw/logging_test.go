package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/common/logger"
)

func newLoggedRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "http.log")
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(log, "api"))
	return router, path
}

func readLogEntry(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 1)
	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	return entry
}

func TestRequestLoggerIncludesAuthIdentity(t *testing.T) {
	router, path := newLoggedRouter(t)
	router.GET("/v1/runs/:id", func(c *gin.Context) {
		// Stand-in for the auth middleware, which stores the resolved
		// identifiers on the request context.
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, "req-1")
		ctx = context.WithValue(ctx, logger.UserIDKey, "u1")
		c.Request = c.Request.WithContext(ctx)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/r1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entry := readLogEntry(t, path)
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "api", entry["server"])
	require.Equal(t, "/v1/runs/:id", entry["path"])
	require.Equal(t, float64(http.StatusOK), entry["status"])
	require.Equal(t, "req-1", entry["request_id"])
	require.Equal(t, "u1", entry["user_id"])
}

func TestRequestLoggerWithoutIdentity(t *testing.T) {
	router, path := newLoggedRouter(t)
	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	entry := readLogEntry(t, path)
	require.NotContains(t, entry, "request_id")
	require.NotContains(t, entry, "user_id")
}

func TestRequestLoggerWarnsOnClientError(t *testing.T) {
	router, path := newLoggedRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	entry := readLogEntry(t, path)
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "/missing", entry["path"])
}
