package api

import (
	"context"
	"net/http"
	"time"
)

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the /health body. Status is "ok" or "degraded".
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
}

// Check runs every probe with a short deadline.
func (h *Handler) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: h.clock.Now().UnixMilli(),
	}
	if len(h.probes) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status.Checks = make(map[string]string, len(h.probes))
	for _, p := range h.probes {
		if err := p.check(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[p.name] = "failing"
			status.Errors = append(status.Errors, p.name+": "+err.Error())
			continue
		}
		status.Checks[p.name] = "ok"
	}
	return status
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
