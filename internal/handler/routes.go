package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Internal
// endpoints are registered first; everything else goes to the backends.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(cfg.Server.HealthPath, health.Healthz)
	e.GET(cfg.Server.StatusPath, health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
}
