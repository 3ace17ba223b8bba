package api

import (
	"context"
	"net/http"

	"zscanner-backend/internal/models"
)

type componentStatus struct {
	Component string   `json:"component"`
	Status    string   `json:"status"`
	Messages  []string `json:"messages,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) healthResponse {
	worst := models.HealthOK
	components := make([]componentStatus, 0, len(h.components))
	for _, component := range h.components {
		if component.Checker == nil {
			continue
		}
		report := component.Checker.Health(ctx)
		if report.Level == models.HealthOK {
			continue
		}
		if report.Level > worst {
			worst = report.Level
		}
		components = append(components, componentStatus{
			Component: component.Name,
			Status:    report.Level.String(),
			Messages:  report.Messages,
		})
	}
	return healthResponse{Status: worst.String(), Components: components}
}

// Healthcheck reports ok, warning (200) or error (503) from the configured
// components.
func (h *Handler) Healthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	resp := h.componentHealth(r.Context())
	status := http.StatusOK
	if resp.Status == models.HealthError.String() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
