// Package service implements the core proxy forwarding logic.
package service

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/gorilla/websocket"

	"myst-proxy/internal/model"
	"myst-proxy/internal/rewrite"
	"myst-proxy/internal/routing"
)

// ProxyService forwards inbound requests to the backend target chosen by the
// routing table. It holds one reverse proxy per target, built at startup.
type ProxyService struct {
	table   *routing.Table
	origins *rewrite.OriginResolver
	proxies map[model.Role]*httputil.ReverseProxy
	logger  *slog.Logger
}

// Options are the collaborators shared by every per-target reverse proxy.
type Options struct {
	Transport http.RoundTripper
	Rewriter  *rewrite.Rewriter
	Origins   *rewrite.OriginResolver
	// ErrorHandler answers requests whose backend exchange failed.
	ErrorHandler func(http.ResponseWriter, *http.Request, error)
	// TrustForwardedHost passes an inbound X-Forwarded-Host through instead
	// of replacing it with the inbound Host.
	TrustForwardedHost bool
}

// NewProxyService creates a ProxyService for every target in table.
func NewProxyService(table *routing.Table, opts Options, logger *slog.Logger) *ProxyService {
	s := &ProxyService{
		table:   table,
		origins: opts.Origins,
		proxies: make(map[model.Role]*httputil.ReverseProxy),
		logger:  logger.With("component", "proxy_service"),
	}

	errorLog := slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn)
	for _, t := range table.Targets() {
		rp := &httputil.ReverseProxy{
			Rewrite:      rewriteFor(t, opts.TrustForwardedHost),
			Transport:    opts.Transport,
			ErrorHandler: opts.ErrorHandler,
			ErrorLog:     errorLog,
		}
		if opts.Rewriter != nil {
			rp.ModifyResponse = opts.Rewriter.ModifyResponse
		}
		s.proxies[t.Role] = rp
	}
	return s
}

// rewriteFor points the outbound request at target. The outbound Host is the
// target's. The client address is appended to any inbound X-Forwarded-For,
// and an inbound X-Forwarded-Proto (and X-Forwarded-Host when trusted) from a
// load balancer wins over the values derived from this hop.
func rewriteFor(target model.BackendTarget, trustForwardedHost bool) func(*httputil.ProxyRequest) {
	u := target.URL()
	preserved := []string{"X-Forwarded-Proto"}
	if trustForwardedHost {
		preserved = append(preserved, "X-Forwarded-Host")
	}
	return func(pr *httputil.ProxyRequest) {
		pr.SetURL(u)
		// ReverseProxy strips X-Forwarded-For from Out before Rewrite runs.
		if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
			pr.Out.Header["X-Forwarded-For"] = prior
		}
		pr.SetXForwarded()
		for _, h := range preserved {
			if v := pr.In.Header.Get(h); v != "" {
				pr.Out.Header.Set(h, v)
			}
		}
		if sess := model.SessionFrom(pr.In.Context()); sess != nil && sess.HasOrigin && !sess.Upgrade {
			limitAcceptEncoding(pr.Out.Header)
		}
	}
}

// decodable lists the content codings the rewriter can undo.
var decodable = map[string]bool{"gzip": true, "x-gzip": true, "deflate": true, "br": true}

// limitAcceptEncoding drops codings the rewriter cannot decode so a backend
// never picks one for a body that needs rewriting.
func limitAcceptEncoding(h http.Header) {
	ae := h.Get("Accept-Encoding")
	if ae == "" {
		return
	}
	var kept []string
	for _, part := range strings.Split(ae, ",") {
		part = strings.TrimSpace(part)
		coding, _, _ := strings.Cut(part, ";")
		if decodable[strings.ToLower(strings.TrimSpace(coding))] {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// Forward proxies r to its backend target and returns the session describing
// the exchange. WebSocket upgrades are relayed as raw connections.
func (s *ProxyService) Forward(w http.ResponseWriter, r *http.Request) *model.ProxySession {
	target := s.table.Resolve(r.URL.Path)

	sess := &model.ProxySession{
		Target:  target,
		Upgrade: websocket.IsWebSocketUpgrade(r),
	}
	if s.origins != nil {
		sess.Origin, sess.HasOrigin = s.origins.Resolve(r)
	}

	s.logger.Debug("forwarding request",
		"target", target.Role,
		"method", r.Method,
		"path", r.URL.Path,
		"upgrade", sess.Upgrade,
	)

	s.proxies[target.Role].ServeHTTP(w, r.WithContext(model.WithSession(r.Context(), sess)))
	return sess
}
