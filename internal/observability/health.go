package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// DegradedCheck reports whether the service is degraded and why. Registered
// by the server once the breaker and delivery pipeline exist.
type DegradedCheck func() (reason string, degraded bool)

// SnapshotFunc produces the operational snapshot served at /statusz.
type SnapshotFunc func() any

// HealthChecker provides startup, liveness, readiness, and status endpoints.
type HealthChecker struct {
	started int32 // atomic: 0 = not started, 1 = started
	ready   int32 // atomic: 0 = not ready, 1 = ready

	mu       sync.RWMutex
	degraded DegradedCheck // may be nil before the server wires it
	snapshot SnapshotFunc  // may be nil
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup.
// Kubernetes uses this via the startup probe to know when to begin
// sending liveness and readiness probes.
func (h *HealthChecker) SetStarted() {
	atomic.StoreInt32(&h.started, 1)
}

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool {
	return atomic.LoadInt32(&h.started) == 1
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetDegradedCheck registers the degraded-state probe. Pass nil to clear it.
func (h *HealthChecker) SetDegradedCheck(check DegradedCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = check
}

// SetSnapshotFunc registers the /statusz snapshot producer.
func (h *HealthChecker) SetSnapshotFunc(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
// Kubernetes startup probes use this to gate liveness/readiness checks.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// A ready-but-degraded service (circuit open, delivery backlog) still
// returns 200 with the degraded reason in the body: it can accept traffic,
// just with reduced delivery capacity.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		h.mu.RLock()
		check := h.degraded
		h.mu.RUnlock()

		if check != nil {
			if reason, degraded := check(); degraded {
				w.WriteHeader(http.StatusOK)
				body, err := json.Marshal(map[string]string{
					"status": "degraded",
					"reason": reason,
				})
				if err != nil {
					_, _ = w.Write(jsonReady)
					return
				}
				_, _ = w.Write(body)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}

// StatuszHandler serves the registered operational snapshot as JSON.
// Returns an empty object until the server registers a snapshot producer.
func (h *HealthChecker) StatuszHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		h.mu.RLock()
		fn := h.snapshot
		h.mu.RUnlock()

		if fn == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}

		body, err := json.Marshal(fn())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"snapshot encoding failed"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
