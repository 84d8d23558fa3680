package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check tests one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthChecker manages liveness and readiness state shared by the HTTP
// health endpoints and the gRPC health service.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu       sync.RWMutex
	checks   map[string]Check
	onChange []func(ready bool)
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
}

// AddCheck registers a dependency check consulted by readiness.
func (h *HealthChecker) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// OnChange registers a callback invoked whenever SetReady flips the state.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	if h.ready.Swap(ready) == ready {
		return
	}
	h.mu.RLock()
	callbacks := append([]func(bool){}, h.onChange...)
	h.mu.RUnlock()
	for _, fn := range callbacks {
		fn(ready)
	}
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Failing runs every registered check and returns the failures by name.
func (h *HealthChecker) Failing(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	failing := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failing[names[i]] = err.Error()
		}
	}
	return failing
}

// LivenessHandler returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once the service is ready and every
// dependency check passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if failing := h.Failing(ctx); len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
