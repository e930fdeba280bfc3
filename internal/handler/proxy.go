package handler

import (
	"github.com/labstack/echo/v4"

	"myst-proxy/internal/middleware"
	"myst-proxy/internal/model"
	"myst-proxy/internal/service"
)

// ProxyHandler hands every non-internal request to the proxy service.
type ProxyHandler struct {
	service *service.ProxyService
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService) *ProxyHandler {
	return &ProxyHandler{service: svc}
}

// Handle forwards the request. The reverse proxy writes the response,
// including gateway errors, directly to echo's response writer, so Handle
// never returns an error.
func (h *ProxyHandler) Handle(c echo.Context) error {
	sess := h.service.Forward(c.Response(), c.Request())

	c.Set(middleware.KeyTarget, string(sess.Target.Role))
	if sess.Outcome != model.RewriteNone {
		c.Set(middleware.KeyRewrite, string(sess.Outcome))
	}
	return nil
}
