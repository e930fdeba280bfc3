package rewrite

import (
	"net/http"
	"strings"

	"myst-proxy/internal/config"
	"myst-proxy/internal/model"
)

// OriginResolver decides the externally visible origin for a request.
//
// A configured public host always wins. Without one, and only when
// rewrite.from_request is set, the origin comes from Host and
// X-Forwarded-Proto. X-Forwarded-Host replaces Host only when
// rewrite.trust_forwarded_host is set. Otherwise rewriting is disabled.
type OriginResolver struct {
	static      model.Origin
	hasStatic   bool
	fromRequest bool
	trustXFH    bool
	scheme      string
}

// NewOriginResolver creates an OriginResolver from configuration.
func NewOriginResolver(cfg *config.Config) *OriginResolver {
	r := &OriginResolver{
		fromRequest: cfg.Rewrite.FromRequest,
		trustXFH:    cfg.Rewrite.TrustForwardedHost,
		scheme:      cfg.Rewrite.PublicScheme,
	}
	if cfg.Rewrite.PublicHost != "" {
		r.static = model.Origin{Scheme: cfg.Rewrite.PublicScheme, Host: cfg.Rewrite.PublicHost}
		r.hasStatic = true
	}
	return r
}

// Resolve returns the origin for req and whether rewriting applies.
func (r *OriginResolver) Resolve(req *http.Request) (model.Origin, bool) {
	if r.hasStatic {
		return r.static, true
	}
	if !r.fromRequest {
		return model.Origin{}, false
	}

	host := req.Host
	if r.trustXFH {
		if fh := firstValue(req.Header.Get("X-Forwarded-Host")); fh != "" {
			host = fh
		}
	}
	if !validHost(host) {
		return model.Origin{}, false
	}

	scheme := r.scheme
	switch proto := strings.ToLower(firstValue(req.Header.Get("X-Forwarded-Proto"))); proto {
	case "http", "https":
		scheme = proto
	default:
		if req.TLS != nil {
			scheme = "https"
		}
	}

	return model.Origin{Scheme: scheme, Host: strings.ToLower(host)}, true
}

// varyHeader lists the request headers a rewritten body depends on, or ""
// when the origin is fixed by configuration.
func varyHeader(cfg *config.Config) string {
	if cfg.Rewrite.PublicHost != "" || !cfg.Rewrite.FromRequest {
		return ""
	}
	if cfg.Rewrite.TrustForwardedHost {
		return "Host, X-Forwarded-Host, X-Forwarded-Proto"
	}
	return "Host, X-Forwarded-Proto"
}

// firstValue returns the first element of a comma-separated header value.
func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// validHost accepts host, host:port and [ipv6]:port made of URL-safe characters.
func validHost(h string) bool {
	if h == "" || len(h) > 255 {
		return false
	}
	for _, c := range h {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == ':', c == '[', c == ']', c == '_':
		default:
			return false
		}
	}
	return true
}
