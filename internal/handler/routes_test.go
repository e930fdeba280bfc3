package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"myst-proxy/internal/metrics"
	"myst-proxy/internal/routing"
	"myst-proxy/internal/supervisor"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	defer backend.Close()

	proxy, cfg := newTestProxyHandler(t, backend.URL, "")
	cfg.Metrics.Enabled = true
	table, err := routing.New(cfg)
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	health := NewHealthHandler(cfg, "test", fakeBackend{status: supervisor.Status{State: supervisor.StateRunning}}, table)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, metrics.New())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/_proxy/healthz", http.StatusOK, `"status":"ok"`},
		{"status", http.MethodGet, "/_proxy/status", http.StatusOK, `"version":"test"`},
		{"metrics", http.MethodGet, "/_proxy/metrics", http.StatusOK, "go_goroutines"},
		{"root proxied", http.MethodGet, "/", http.StatusOK, "backend /"},
		{"page proxied", http.MethodGet, "/docs/intro", http.StatusOK, "backend /docs/intro"},
		{"post proxied", http.MethodPost, "/api/x", http.StatusOK, "backend /api/x"},
		{"lookalike proxied", http.MethodGet, "/_proxy/healthzz", http.StatusOK, "backend /_proxy/healthzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	defer backend.Close()

	proxy, cfg := newTestProxyHandler(t, backend.URL, "")
	cfg.Metrics.Enabled = false
	table, err := routing.New(cfg)
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	health := NewHealthHandler(cfg, "test", fakeBackend{}, table)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/_proxy/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if body := rec.Body.String(); body != "backend /_proxy/metrics" {
		t.Errorf("body = %q, want the request proxied to the backend", body)
	}
}
