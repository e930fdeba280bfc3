package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that sets X-Content-Type-Options
// on responses whose backend did not choose a value.
//
// The header is added in a Before hook because proxied responses are written
// by the reverse proxy, not returned to this middleware. Connection and
// Upgrade are left untouched; WebSocket handshakes depend on them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				if res.Header().Get(echo.HeaderXContentTypeOptions) == "" {
					res.Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
				}
			})
			return next(c)
		}
	}
}
