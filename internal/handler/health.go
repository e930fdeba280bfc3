package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"myst-proxy/internal/config"
	"myst-proxy/internal/routing"
	"myst-proxy/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// BackendStatus reports the supervised backend's state.
type BackendStatus interface {
	Status() supervisor.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	backend BackendStatus
	table   *routing.Table
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, backend BackendStatus, table *routing.Table) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, backend: backend, table: table}
}

// Healthz returns a simple OK response for liveness probes. It does not
// depend on the backend: while the backend is starting the proxy is alive and
// serving retry hints.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type targetInfo struct {
	Role string `json:"role"`
	Addr string `json:"addr"`
}

type routeInfo struct {
	Prefix string `json:"prefix"`
	Role   string `json:"role"`
}

type statusResponse struct {
	Status             string            `json:"status"`
	Version            string            `json:"version"`
	Backend            supervisor.Status `json:"backend"`
	Targets            []targetInfo      `json:"targets"`
	Routes             []routeInfo       `json:"routes"`
	RewriteHost        string            `json:"rewrite_host,omitempty"`
	RewriteFromRequest bool              `json:"rewrite_from_request"`
}

// Status returns proxy and backend status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:             "ok",
		Version:            string(h.version),
		Backend:            h.backend.Status(),
		Targets:            []targetInfo{},
		Routes:             []routeInfo{},
		RewriteHost:        h.cfg.Rewrite.PublicHost,
		RewriteFromRequest: h.cfg.Rewrite.FromRequest,
	}
	if resp.Backend.State != supervisor.StateRunning {
		resp.Status = "degraded"
	}

	for _, t := range h.table.Targets() {
		resp.Targets = append(resp.Targets, targetInfo{Role: string(t.Role), Addr: t.Addr()})
	}
	for _, r := range h.table.Rules() {
		resp.Routes = append(resp.Routes, routeInfo{Prefix: r.Prefix, Role: string(r.Role)})
	}

	return c.JSON(http.StatusOK, resp)
}
