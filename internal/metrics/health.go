package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Health tracks liveness and readiness for /healthz and /readyz.
type Health struct {
	ready     atomic.Bool
	startTime time.Time
}

func NewHealth() *Health {
	return &Health{startTime: time.Now()}
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler answers 200 while the process runs.
func (h *Health) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 once store, ledger and trigger are up, 503 before.
func (h *Health) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
