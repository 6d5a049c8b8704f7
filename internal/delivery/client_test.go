package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/callbridge/callbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.BackendConfig{
		UniverseID: "12345",
		APIKey:     "secret-key",
		BaseURL:    serverURL,
		Timeout:    "5s",
	})
}

func TestClientPublish(t *testing.T) {
	t.Run("posts envelope with headers to topic path", func(t *testing.T) {
		var gotPath, gotAPIKey, gotCorrelation, gotContentType string
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAPIKey = r.Header.Get("x-api-key")
			gotCorrelation = r.Header.Get("X-Correlation-ID")
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		resp, err := c.Publish(context.Background(), "DispatcherMessage",
			map[string]any{"callId": "ABC", "text": "on my way"}, "ABC-xyz")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)

		assert.Equal(t, "/v1/universes/12345/topics/DispatcherMessage", gotPath)
		assert.Equal(t, "secret-key", gotAPIKey)
		assert.Equal(t, "ABC-xyz", gotCorrelation)
		assert.Equal(t, "application/json", gotContentType)

		// Envelope is {"message": "<json payload>"}.
		var envelope map[string]string
		require.NoError(t, json.Unmarshal(gotBody, &envelope))
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(envelope["message"]), &payload))
		assert.Equal(t, "ABC", payload["callId"])
		assert.Equal(t, "on my way", payload["text"])
	})

	t.Run("returns status and Retry-After for non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		resp, err := c.Publish(context.Background(), "Hangup", map[string]any{}, "x")
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.Status)
		assert.Equal(t, "7", resp.RetryAfter)
	})

	t.Run("defaults empty correlation ID to unknown", func(t *testing.T) {
		var gotCorrelation string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotCorrelation = r.Header.Get("X-Correlation-ID")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		_, err := c.Publish(context.Background(), "Topic", map[string]any{}, "")
		require.NoError(t, err)
		assert.Equal(t, "unknown", gotCorrelation)
	})

	t.Run("transport failure returns an error", func(t *testing.T) {
		c := newTestClient("http://127.0.0.1:1")
		_, err := c.Publish(context.Background(), "Topic", map[string]any{}, "x")
		assert.Error(t, err)
	})
}
