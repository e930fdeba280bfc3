// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Role identifies which backend server a target represents.
type Role string

const (
	// RoleTheme serves the site shell.
	RoleTheme Role = "theme"
	// RoleContent serves assets and content/API data.
	RoleContent Role = "content"
	// RoleSingle is the only target when one backend serves everything.
	RoleSingle Role = "single"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTheme, RoleContent, RoleSingle:
		return true
	}
	return false
}

// BackendTarget is a loopback backend server. It is never mutated after startup.
type BackendTarget struct {
	Role Role
	Host string
	Port int
}

// Addr returns host:port suitable for dialing.
func (t BackendTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the http base URL of the target.
func (t BackendTarget) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: t.Addr()}
}

func (t BackendTarget) String() string {
	return fmt.Sprintf("%s(%s)", t.Role, t.Addr())
}

// RouteRule sends requests whose path starts with Prefix to the target with Role.
type RouteRule struct {
	Prefix string
	Role   Role
}

// Origin is the externally visible scheme and host used when rewriting links.
type Origin struct {
	Scheme string
	Host   string
}

// String returns scheme://host.
func (o Origin) String() string {
	return o.Scheme + "://" + o.Host
}

// RewriteOutcome records what the response rewriter did with a response.
type RewriteOutcome string

const (
	RewriteNone         RewriteOutcome = ""
	RewriteApplied      RewriteOutcome = "rewritten"
	RewriteSkipped      RewriteOutcome = "skipped"
	RewriteDecodeFailed RewriteOutcome = "decode_failed"
	RewriteTooLarge     RewriteOutcome = "too_large"
)

// ProxySession is the per-request state of one proxied exchange.
// It is created by the proxy core and discarded when the response completes.
type ProxySession struct {
	Target BackendTarget

	// Origin is valid only when HasOrigin is true.
	Origin    Origin
	HasOrigin bool

	// Upgrade is true for WebSocket upgrade requests; those bypass rewriting.
	Upgrade bool

	Outcome RewriteOutcome
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *ProxySession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored in ctx, or nil.
func SessionFrom(ctx context.Context) *ProxySession {
	s, _ := ctx.Value(sessionKey{}).(*ProxySession)
	return s
}
