package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	t.Run("starts in not-ready state", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsReady())
	})
}

func TestHealthCheckerSetReady(t *testing.T) {
	t.Run("marks service as ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		assert.True(t, h.IsReady())
	})
}

func TestHealthCheckerSetNotReady(t *testing.T) {
	t.Run("marks service as not ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetNotReady()
		assert.False(t, h.IsReady())
	})
}

func TestHealthCheckerSetStarted(t *testing.T) {
	t.Run("marks service as started", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsStarted())
		h.SetStarted()
		assert.True(t, h.IsStarted())
	})
}

func TestStartzHandler(t *testing.T) {
	t.Run("returns 503 before startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.StartzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/startz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_started", body["status"])
	})

	t.Run("returns 200 after startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()
		handler := h.StartzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/startz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "started", body["status"])
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("returns 200 always", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.HealthzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "alive", body["status"])
	})

	t.Run("returns 200 even when not ready", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.HealthzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("returns 503 when not ready", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("returns 200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ready", body["status"])
	})

	t.Run("reports degraded with reason but stays 200", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetDegradedCheck(func() (string, bool) { return "circuit open", true })
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "circuit open", body["reason"])
	})

	t.Run("healthy check reports ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetDegradedCheck(func() (string, bool) { return "", false })
		handler := h.ReadyzHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ready", body["status"])
	})
}

func TestStatuszHandler(t *testing.T) {
	t.Run("returns empty object before wiring", func(t *testing.T) {
		h := NewHealthChecker()
		handler := h.StatuszHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{}`, rr.Body.String())
	})

	t.Run("serves the registered snapshot", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetSnapshotFunc(func() any {
			return map[string]any{"sessions": 3, "circuit": "CLOSED"}
		})
		handler := h.StatuszHandler()

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, float64(3), body["sessions"])
		assert.Equal(t, "CLOSED", body["circuit"])
	})
}
