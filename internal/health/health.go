// Package health provides HTTP health check handlers for the relay server.
//
// Three endpoints are exposed:
//
//   - /healthz        — liveness probe; always returns 200 OK.
//   - /readyz         — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /ws/live/health — live session health; reports whether the upstream is
//     usable together with the session defaults currently in effect.
//
// Responses are JSON objects with a top-level "status" field.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "store",
	// "upstream"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// LiveInfo describes the live session endpoint's current state. Model and
// Voice are the process-wide session defaults; Ready is false when the
// upstream cannot be dialled (typically a missing API key).
type LiveInfo struct {
	Ready bool
	Model string
	Voice string
}

// result is the JSON response body for the liveness and readiness endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// liveResult is the JSON response body for /ws/live/health.
type liveResult struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	Voice  string `json:"voice"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time. The live info function is
// called per request so hot-reloaded session defaults show up immediately.
type Handler struct {
	liveInfo func() LiveInfo
	checkers []Checker
}

// New creates a [Handler]. liveInfo supplies the /ws/live/health response and
// may be nil, in which case the endpoint reports ok with empty defaults. The
// checkers are evaluated sequentially on each /readyz request.
func New(liveInfo func() LiveInfo, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{liveInfo: liveInfo, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// LiveHealth reports the live session endpoint's health together with the
// default model and voice. It returns 200 even when the upstream is not
// ready; clients read the status field to decide whether to connect.
func (h *Handler) LiveHealth(w http.ResponseWriter, _ *http.Request) {
	info := LiveInfo{Ready: true}
	if h.liveInfo != nil {
		info = h.liveInfo()
	}

	status := "ok"
	if !info.Ready {
		status = "missing_api_key"
	}
	writeJSON(w, http.StatusOK, liveResult{
		Status: status,
		Model:  info.Model,
		Voice:  info.Voice,
	})
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /ws/live/health", h.LiveHealth)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
