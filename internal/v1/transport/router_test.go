package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/blob"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/health"
)

func testRouter(t *testing.T) (*gin.Engine, *blob.Disk) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	disk, err := blob.NewDisk(t.TempDir(), "signing-secret", "http://localhost:8080")
	require.NoError(t, err)

	r := NewRouter(RouterDeps{
		Config: &config.Config{DevelopmentMode: true},
		Disk:   disk,
		Health: health.NewHandler(nil),
	})
	return r, disk
}

func signedQuery(t *testing.T, disk *blob.Disk, key string, ttl time.Duration) string {
	t.Helper()
	target, err := disk.GenerateUploadURL(t.Context(), key, "text/plain", ttl)
	require.NoError(t, err)
	u, err := url.Parse(target.URL)
	require.NoError(t, err)
	return u.RawQuery
}

func TestRouter_UploadDownloadRoundTrip(t *testing.T) {
	r, disk := testRouter(t)
	key := blob.Key("room-1", "user", "notes.txt")

	q := signedQuery(t, disk, key, time.Hour)
	req := httptest.NewRequest("PUT", "/api/files?"+q, strings.NewReader("file body"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	dl, err := disk.GetSignedDownloadURL(t.Context(), key, time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(dl)
	require.NoError(t, err)

	req = httptest.NewRequest("GET", u.Path+"?"+u.RawQuery, nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "file body", resp.Body.String())
}

func TestRouter_UploadRejectsBadSignature(t *testing.T) {
	r, disk := testRouter(t)
	key := blob.Key("room-1", "user", "notes.txt")

	q := signedQuery(t, disk, key, time.Hour)
	tampered := strings.Replace(q, "sig=", "sig=ff", 1)

	req := httptest.NewRequest("PUT", "/api/files?"+tampered, strings.NewReader("x"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestRouter_UploadRejectsExpired(t *testing.T) {
	r, disk := testRouter(t)
	key := blob.Key("room-1", "user", "notes.txt")

	q := signedQuery(t, disk, key, -time.Minute)
	req := httptest.NewRequest("PUT", "/api/files?"+q, strings.NewReader("x"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestRouter_DownloadUnknownKey(t *testing.T) {
	r, disk := testRouter(t)
	key := blob.Key("room-1", "user", "missing.txt")

	q := signedQuery(t, disk, key, time.Hour)
	req := httptest.NewRequest("GET", "/downloads/missing.txt?"+q, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRouter_HealthAndMetricsRoutes(t *testing.T) {
	r, _ := testRouter(t)

	for _, path := range []string{"/health/live", "/health/ready", "/status", "/memory", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code, path)
	}
}
