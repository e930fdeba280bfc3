// Package rewrite replaces backend-internal absolute URLs in text responses
// with the proxy's public origin.
package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
	"myst-proxy/internal/model"
)

var textTypes = map[string]bool{
	"text/html":                true,
	"application/xhtml+xml":    true,
	"text/css":                 true,
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/ecmascript":          true,
	"application/ecmascript":   true,
	"application/json":         true,
}

// IsText reports whether a Content-Type value is eligible for rewriting.
func IsText(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	return textTypes[mt] || strings.HasSuffix(mt, "+json")
}

// Rewriter transforms backend responses in place.
type Rewriter struct {
	patterns []Pattern
	maxBody  int64
	vary     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Rewriter whose patterns cover every configured target and
// rewrite.extra_ports. m may be nil.
func New(cfg *config.Config, targets []model.BackendTarget, logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	return &Rewriter{
		patterns: BuildPatterns(targets, cfg.Rewrite.ExtraPorts),
		maxBody:  cfg.Rewrite.MaxBodyBytes,
		vary:     varyHeader(cfg),
		logger:   logger.With("component", "rewrite"),
		metrics:  m,
	}
}

// Patterns returns the substitution list in application order.
func (rw *Rewriter) Patterns() []Pattern {
	return rw.patterns
}

// Apply runs every pattern over body in order.
func (rw *Rewriter) Apply(body []byte, o model.Origin) []byte {
	for _, p := range rw.patterns {
		body = p.Matcher.ReplaceAllLiteral(body, []byte(p.Replacement(o)))
	}
	return body
}

// ModifyResponse is installed on the reverse proxy. It rewrites text bodies
// when the request's session carries a public origin and leaves everything
// else byte-identical.
func (rw *Rewriter) ModifyResponse(resp *http.Response) error {
	sess := model.SessionFrom(resp.Request.Context())
	if sess == nil || sess.Upgrade || !sess.HasOrigin || !hasRewritableBody(resp) {
		return nil
	}

	if !IsText(resp.Header.Get("Content-Type")) {
		rw.record(sess, model.RewriteSkipped)
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, rw.maxBody+1))
	if err != nil {
		return fmt.Errorf("read backend body: %w", err)
	}
	if int64(len(raw)) > rw.maxBody {
		resp.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), closer: resp.Body}
		rw.record(sess, model.RewriteTooLarge)
		return nil
	}
	_ = resp.Body.Close()

	encoding := resp.Header.Get("Content-Encoding")
	decoded, err := decode(encoding, raw, rw.maxBody)
	if err != nil {
		rw.logger.Warn("decode failed, passing body through",
			"target", sess.Target.Role,
			"encoding", encoding,
			"path", resp.Request.URL.Path,
			"error", err,
		)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		rw.record(sess, model.RewriteDecodeFailed)
		return nil
	}

	out := rw.Apply(decoded, sess.Origin)
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.TransferEncoding = nil
	if rw.vary != "" {
		resp.Header.Add("Vary", rw.vary)
	}
	rw.record(sess, model.RewriteApplied)

	return nil
}

func (rw *Rewriter) record(sess *model.ProxySession, outcome model.RewriteOutcome) {
	sess.Outcome = outcome
	if rw.metrics != nil {
		rw.metrics.RewritesTotal.WithLabelValues(string(outcome)).Inc()
	}
}

// hasRewritableBody excludes responses that carry no body by definition.
func hasRewritableBody(resp *http.Response) bool {
	if resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return resp.Body != nil && resp.Body != http.NoBody
}

// prefixedBody replays the bytes already read before the rest of the
// original body, closing the original on Close.
type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}
