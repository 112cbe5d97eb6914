package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthCheck probes one dependency. Non-critical failures degrade the
// reported status without failing the probe.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 3 * time.Second}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handle processes the /health endpoint.
func (h *HealthHandler) Handle(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}

	for _, check := range h.checks {
		if err := check.Probe(ctx); err != nil {
			resp.Checks[check.Name] = err.Error()
			if check.Critical {
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
			continue
		}
		resp.Checks[check.Name] = "ok"
	}

	return c.JSON(code, resp)
}
