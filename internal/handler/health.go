package handler

import (
	"context"
	"net/http"
	"time"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler runs every registered check with a short timeout.
type HealthHandler struct {
	Checks  map[string]Check
	Timeout time.Duration
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]any{"status": overall, "checks": results})
}
