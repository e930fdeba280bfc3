package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"myst-proxy/internal/client"
	"myst-proxy/internal/config"
	"myst-proxy/internal/fallback"
	"myst-proxy/internal/middleware"
	"myst-proxy/internal/rewrite"
	"myst-proxy/internal/routing"
	"myst-proxy/internal/service"
)

// newTestProxyHandler wires a single-target proxy to backendURL.
func newTestProxyHandler(t *testing.T, backendURL, publicHost string) (*ProxyHandler, *config.Config) {
	t.Helper()
	u, err := url.Parse(backendURL)
	if err != nil {
		t.Fatalf("parse %q: %v", backendURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %q: %v", backendURL, err)
	}

	cfg := dualConfig()
	cfg.Targets = []config.TargetConfig{{Role: "single", Host: "127.0.0.1", Port: port}}
	cfg.Routes = nil
	cfg.Rewrite = config.RewriteConfig{PublicHost: publicHost, PublicScheme: "https", MaxBodyBytes: 1 << 20, ExtraPorts: []int{3000}}
	cfg.Upstream = config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10}

	table, err := routing.New(cfg)
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewProxyService(table, service.Options{
		Transport:    client.NewBackendTransport(cfg, logger, nil),
		Rewriter:     rewrite.New(cfg, table.Targets(), logger, nil),
		Origins:      rewrite.NewOriginResolver(cfg),
		ErrorHandler: fallback.New(logger, nil).ServeError,
	}, logger)

	return NewProxyHandler(svc), cfg
}

func TestProxyHandler_Handle(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"next":"http://localhost:3000/content/next.json"}`)
	}))
	defer backend.Close()

	h, _ := newTestProxyHandler(t, backend.URL, "docs.example.com")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/content/page.json", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if want := `{"next":"https://docs.example.com/content/next.json"}`; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got := c.Get(middleware.KeyTarget); got != "single" {
		t.Errorf("context target = %v, want %q", got, "single")
	}
	if got := c.Get(middleware.KeyRewrite); got != "rewritten" {
		t.Errorf("context rewrite = %v, want %q", got, "rewritten")
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("received " + string(body)))
	}))
	defer backend.Close()

	h, _ := newTestProxyHandler(t, backend.URL, "")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "received hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "received hello")
	}
}

func TestProxyHandler_Handle_BackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backendURL := backend.URL
	backend.Close()

	h, _ := newTestProxyHandler(t, backendURL, "")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "starting up") {
		t.Errorf("body = %q, want retry hint", rec.Body.String())
	}
}
