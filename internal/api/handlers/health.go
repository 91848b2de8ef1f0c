// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ReadyStatus represents the readiness check response.
type ReadyStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker reports whether a component can serve traffic.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheck returns a handler that reports basic service health.
// This endpoint should always return 200 OK if the service is running.
func HealthCheck(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "quill-research-agent",
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyCheck returns a handler that probes each named dependency.
// Orchestrators use it to decide whether the instance can receive traffic.
func ReadyCheck(components map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ReadyStatus{
			Status:     "ready",
			Components: make(map[string]string),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}

		allReady := true
		for name, checker := range components {
			if checker == nil {
				status.Components[name] = "not configured"
				continue
			}
			if err := checker.Health(ctx); err != nil {
				status.Components[name] = "unhealthy: " + err.Error()
				allReady = false
			} else {
				status.Components[name] = "healthy"
			}
		}

		if !allReady {
			status.Status = "not ready"
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}

		RespondJSON(w, http.StatusOK, status)
	}
}
