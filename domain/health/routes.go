package health

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the admin surface on the Echo instance.
func RegisterRoutes(e *echo.Echo, h *Handler, status *StatusHandler) {
	e.GET("/healthz", h.Health)
	e.GET("/ready", h.Ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/vectorizers", status.List)
	e.GET("/vectorizers/:id/errors", status.Errors)
}
