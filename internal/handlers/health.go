package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/hanko-field/shiprate/internal/platform/httpx"
	"github.com/hanko-field/shiprate/internal/repositories"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	defaultReadyTimeout  = 2 * time.Second
)

// HealthHandlers serve liveness and readiness probes.
type HealthHandlers struct {
	now       func() time.Time
	startedAt time.Time
	version   string
	checks    map[string]repositories.HealthRepository
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		now:    time.Now,
		checks: make(map[string]repositories.HealthRepository),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.now()
	}
	return h
}

// WithHealthClock overrides the clock used for uptime reporting.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// WithHealthStartedAt records when the process started.
func WithHealthStartedAt(started time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.startedAt = started
	}
}

// WithHealthVersion reports the build version on both probes.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// WithHealthCheck registers a named readiness dependency.
func WithHealthCheck(name string, check repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	payload := map[string]any{
		"status":    healthStatusOK,
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// Readyz runs every registered readiness check.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultReadyTimeout)
	defer cancel()

	status := healthStatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Ready(ctx); err != nil {
			status = healthStatusDegraded
			checks[name] = err.Error()
			continue
		}
		checks[name] = healthStatusOK
	}

	code := http.StatusOK
	if status != healthStatusOK {
		code = http.StatusServiceUnavailable
	}
	payload := map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	httpx.WriteJSON(w, code, payload)
}
