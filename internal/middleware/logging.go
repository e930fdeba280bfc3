// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// Keys the proxy handler stores in the echo context for request logging.
const (
	KeyTarget  = "proxy.target"
	KeyRewrite = "proxy.rewrite"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests for quietPaths (health probes) are logged at debug level.
func RequestLogger(logger *slog.Logger, quietPaths ...string) echo.MiddlewareFunc {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target, ok := c.Get(KeyTarget).(string); ok {
				attrs = append(attrs, "target", target)
			}
			if outcome, ok := c.Get(KeyRewrite).(string); ok {
				attrs = append(attrs, "rewrite", outcome)
			}

			level := slog.LevelInfo
			if quiet[req.URL.Path] {
				level = slog.LevelDebug
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
