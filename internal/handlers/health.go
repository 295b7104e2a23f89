package handlers

import (
	"net/http"
	"time"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/services"
)

// HealthHandlers serves liveness and readiness endpoints. Liveness never
// touches dependencies; readiness runs the dependency probes.
type HealthHandlers struct {
	system  services.SystemService
	started time.Time
}

// NewHealthHandlers constructs the health endpoints. The system service may be
// nil, in which case readiness degrades to the liveness response.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{
		system:  system,
		started: time.Now().UTC(),
	}
}

type healthCheckPayload struct {
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency_ms,omitempty"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commit_sha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	GeneratedAt string                        `json:"generated_at"`
}

// Healthz reports process liveness without probing dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, healthPayload{
		Status:      string(domain.HealthStatusOK),
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		GeneratedAt: formatTime(time.Now().UTC()),
	})
}

// Readyz runs the dependency probes and reports 503 when any probe errors.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, healthPayload{
			Status:      string(domain.HealthStatusError),
			Uptime:      time.Since(h.started).Round(time.Second).String(),
			GeneratedAt: formatTime(time.Now().UTC()),
		})
		return
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, buildHealthPayload(report))
}

func buildHealthPayload(report domain.SystemHealthReport) healthPayload {
	payload := healthPayload{
		Status:      string(report.Status),
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Uptime:      report.Uptime.Round(time.Second).String(),
		GeneratedAt: formatTime(report.GeneratedAt),
	}
	if len(report.Checks) > 0 {
		payload.Checks = make(map[string]healthCheckPayload, len(report.Checks))
		for name, check := range report.Checks {
			entry := healthCheckPayload{
				Status: string(check.Status),
				Detail: check.Detail,
				Error:  check.Error,
			}
			if check.Latency > 0 {
				entry.Latency = check.Latency.Round(time.Millisecond).String()
			}
			payload.Checks[name] = entry
		}
	}
	return payload
}
