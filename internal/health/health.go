// Package health provides the HTTP liveness and readiness probes for the
// Calldeck server.
//
//   - /healthz — liveness; always 200 while the process can serve HTTP.
//   - /readyz  — readiness; 200 only when every registered probe passes
//     (Postgres, Redis).
//
// Responses are JSON with a top-level "status" and a per-probe "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. Check returns nil when the dependency is
// reachable and an error describing the failure otherwise.
type Probe struct {
	// Name labels the probe in the JSON response (e.g. "postgres", "redis").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// response is the JSON body served by both endpoints.
type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The probe list is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New creates a Handler that runs the given probes, in order, on each
// /readyz request.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p}
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. It never fails: a process answering HTTP is
// alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every probe under a per-probe deadline and reports 503 when
// any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.probes))
	ready := true

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()

		if err != nil {
			checks[p.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[p.Name] = "ok"
	}

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
