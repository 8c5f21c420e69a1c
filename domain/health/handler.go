// Package health exposes the read-only admin surface: liveness, vectorizer
// status, recent error records, and Prometheus metrics.
package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/vectorizer/internal/config"
	"github.com/emergent-company/vectorizer/internal/version"
)

// Handler handles health check requests
type Handler struct {
	pool    *pgxpool.Pool
	cfg     *config.Config
	startAt time.Time
}

// NewHandler creates a new health handler
func NewHandler(pool *pgxpool.Pool, cfg *config.Config) *Handler {
	return &Handler{
		pool:    pool,
		cfg:     cfg,
		startAt: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health returns the overall service health including database connectivity.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]Check{}
	status := http.StatusOK
	overall := "ok"

	if err := h.pool.Ping(ctx); err != nil {
		checks["database"] = Check{Status: "down", Message: err.Error()}
		status = http.StatusServiceUnavailable
		overall = "degraded"
	} else {
		checks["database"] = Check{Status: "ok"}
	}

	checks["runtime"] = Check{
		Status:  "ok",
		Message: runtime.Version(),
	}

	return c.JSON(status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
	})
}

// Ready is the liveness probe: cheap, no dependencies.
func (h *Handler) Ready(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
