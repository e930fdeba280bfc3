// Package client provides the HTTP transport used to reach backend targets.
package client

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
	"myst-proxy/internal/model"
)

const dialTimeout = 5 * time.Second

// BackendTransport is an instrumented round tripper for loopback backends.
type BackendTransport struct {
	base    http.RoundTripper
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBackendTransport creates a BackendTransport with connection pooling and a
// response header timeout, which bounds requests to a backend that accepts
// connections but never answers. m may be nil.
func NewBackendTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendTransport {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies are forwarded as the backend encoded them.
		DisableCompression: true,
	}

	return &BackendTransport{
		base:    transport,
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}
}

// RoundTrip sends req to the backend and records latency and status by target.
func (t *BackendTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := "unknown"
	if sess := model.SessionFrom(req.Context()); sess != nil {
		target = string(sess.Target.Role)
	}

	t.logger.Debug("backend request",
		"target", target,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if t.metrics != nil {
		t.metrics.UpstreamDuration.WithLabelValues(target, method).Observe(duration)
	}
	if err != nil {
		return nil, err
	}

	if t.metrics != nil {
		t.metrics.UpstreamResponses.WithLabelValues(target, method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// CloseIdleConnections releases pooled backend connections.
func (t *BackendTransport) CloseIdleConnections() {
	if ci, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}
