package api

import (
	"context"
	"net/http"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthCheck checks one dependency. A failing Critical check makes the
// service unhealthy, any other failing check makes it degraded.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := statusHealthy
	checks := make(map[string]string, len(a.checks))
	for _, c := range a.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = "error: " + err.Error()
			if c.Critical {
				status = statusUnhealthy
			} else if status == statusHealthy {
				status = statusDegraded
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	code := http.StatusOK
	if status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	jsonResp(w, code, map[string]any{
		"status":    status,
		"timestamp": a.now().Unix(),
		"checks":    checks,
	})
}
