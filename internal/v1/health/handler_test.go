package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeStats struct {
	data map[string]any
}

func (f *fakeStats) Stats() map[string]any { return f.data }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
	r.GET("/status", h.Status)
	r.GET("/memory", h.Memory)
	return r
}

func doGet(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil)
	resp := doGet(t, newRouter(h), "/health/live")

	assert.Equal(t, http.StatusOK, resp.Code)
	var body LivenessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadiness_AllHealthy(t *testing.T) {
	h := NewHandler(nil)
	h.Register("redis", &fakePinger{})
	h.Register("database", &fakePinger{})

	resp := doGet(t, newRouter(h), "/health/ready")

	assert.Equal(t, http.StatusOK, resp.Code)
	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["redis"])
	assert.Equal(t, "healthy", body.Checks["database"])
}

func TestReadiness_DependencyDown(t *testing.T) {
	h := NewHandler(nil)
	h.Register("redis", &fakePinger{})
	h.Register("database", &fakePinger{err: errors.New("connection refused")})

	resp := doGet(t, newRouter(h), "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "healthy", body.Checks["redis"])
	assert.Equal(t, "unhealthy", body.Checks["database"])
}

func TestReadiness_NilDependenciesSkipped(t *testing.T) {
	h := NewHandler(nil)
	h.Register("redis", nil)

	resp := doGet(t, newRouter(h), "/health/ready")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestStatus_IncludesHubStats(t *testing.T) {
	h := NewHandler(&fakeStats{data: map[string]any{
		"rooms":       3,
		"connections": 12,
	}})

	resp := doGet(t, newRouter(h), "/status")

	assert.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body["rooms"])
	assert.EqualValues(t, 12, body["connections"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestMemory(t *testing.T) {
	h := NewHandler(nil)
	resp := doGet(t, newRouter(h), "/memory")

	assert.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Contains(t, body, "heap_alloc_bytes")
	assert.Contains(t, body, "goroutines")
}
