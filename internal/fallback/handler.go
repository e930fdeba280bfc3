// Package fallback answers requests whose backend could not be reached.
package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"

	"myst-proxy/internal/metrics"
	"myst-proxy/internal/model"
)

// Reason classifies why a backend exchange failed.
type Reason string

const (
	ReasonRefused        Reason = "refused"
	ReasonTimeout        Reason = "timeout"
	ReasonClientCanceled Reason = "client_canceled"
	ReasonReset          Reason = "reset"
	ReasonOther          Reason = "other"
)

const (
	startingMessage = "Site is starting up, please refresh in a moment...\n"
	timeoutMessage  = "Site did not respond in time, please refresh in a moment...\n"

	retryAfterSeconds = "2"
)

// Handler writes gateway error responses for failed backend exchanges.
type Handler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a fallback Handler. m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger.With("component", "fallback"),
		metrics: m,
	}
}

// ServeError has the signature of httputil.ReverseProxy.ErrorHandler.
// It responds 504 when the backend accepted the request but did not answer
// in time and 502 otherwise.
func (h *Handler) ServeError(w http.ResponseWriter, r *http.Request, err error) {
	reason := Classify(r.Context(), err)

	target := "unknown"
	if sess := model.SessionFrom(r.Context()); sess != nil {
		target = string(sess.Target.Role)
	}
	if h.metrics != nil {
		h.metrics.FallbacksTotal.WithLabelValues(target, string(reason)).Inc()
	}

	attrs := []any{
		"target", target,
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	}
	if reason == ReasonClientCanceled {
		h.logger.Debug("client went away before backend answered", attrs...)
	} else {
		h.logger.Warn("backend unavailable", attrs...)
	}

	status, msg := http.StatusBadGateway, startingMessage
	if reason == ReasonTimeout {
		status, msg = http.StatusGatewayTimeout, timeoutMessage
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Retry-After", retryAfterSeconds)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// Classify maps a transport error to a Reason. ctx is the inbound request
// context, used to tell client cancellation apart from backend failures.
func Classify(ctx context.Context, err error) Reason {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return ReasonClientCanceled
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ReasonReset
	}
	return ReasonOther
}
