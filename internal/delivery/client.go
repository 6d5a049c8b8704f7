// Package delivery sends dispatcher payloads to the game backend's messaging
// API: payload sanitization, the HTTP publish client, and the retry pipeline
// that wraps both behind the rate limiter and circuit breaker.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/callbridge/callbridge/internal/config"
)

// Response is the slice of an HTTP publish response the retry pipeline cares
// about: the status code and the Retry-After header, if any.
type Response struct {
	Status     int
	RetryAfter string
}

// Client publishes messages to the backend messaging API. One topic per
// message kind; the body is a JSON envelope wrapping the stringified payload.
type Client struct {
	baseURL    string
	universeID string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a backend publish client from the configuration.
func NewClient(cfg config.BackendConfig) *Client {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Tuned connection pool: the backend is a single host and publish volume
	// is rate-limited, so a small keep-alive pool is enough.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		universeID: cfg.UniverseID,
		apiKey:     cfg.APIKey.Value(),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Publish POSTs the payload to the given topic. The messaging API expects
// the payload JSON-stringified inside a {"message": "..."} envelope.
// Returns the response status even for non-2xx codes; err is non-nil only
// for transport-level failures.
func (c *Client) Publish(ctx context.Context, topic string, payload map[string]any, correlationID string) (*Response, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(map[string]string{"message": string(inner)})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	url := fmt.Sprintf("%s/v1/universes/%s/topics/%s", c.baseURL, c.universeID, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create publish request: %w", err)
	}

	if correlationID == "" {
		correlationID = "unknown"
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return &Response{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

// CloseIdleConnections drops pooled keep-alive connections. Called on
// shutdown after draining completes.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
