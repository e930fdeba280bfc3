package readiness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
	"myst-proxy/internal/model"
)

func testConfig(mode string, maxWait int) *config.Config {
	return &config.Config{Readiness: config.ReadinessConfig{
		Mode:              mode,
		DelaySeconds:      1,
		MaxWaitSeconds:    maxWait,
		InitialIntervalMS: 20,
		MaxIntervalMS:     100,
	}}
}

func targetFor(t *testing.T, addr string) model.BackendTarget {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return model.BackendTarget{Role: model.RoleSingle, Host: host, Port: port}
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWait_PollTCPReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	m := metrics.New()
	g := New(testConfig(ModePoll, 5), []model.BackendTarget{targetFor(t, ln.Addr().String())}, discardLogger(), m)

	start := time.Now()
	if err := g.Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait() took %v for an already listening target", elapsed)
	}
}

func TestWait_PollHTTPPath(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("probe path = %q, want /healthz", r.URL.Path)
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	cfg := testConfig(ModePoll, 5)
	cfg.Readiness.Path = "/healthz"
	g := New(cfg, []model.BackendTarget{targetFor(t, u.Host)}, discardLogger(), nil)

	if err := g.Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := hits.Load(); got < 3 {
		t.Errorf("probe hits = %d, want >= 3", got)
	}
}

func TestWait_PollBecomesReady(t *testing.T) {
	addr := closedPort(t)
	g := New(testConfig(ModePoll, 10), []model.BackendTarget{targetFor(t, addr)}, discardLogger(), nil)

	listeners := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		ln, _ := net.Listen("tcp", addr)
		listeners <- ln
	}()

	start := time.Now()
	err := g.Wait(context.Background(), nil)
	if ln := <-listeners; ln != nil {
		ln.Close()
	} else {
		t.Skip("could not rebind the probe port")
	}
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Wait() returned after %v, before the backend listened", elapsed)
	}
}

func TestWait_TimeoutIsNotFatal(t *testing.T) {
	g := New(testConfig(ModePoll, 1), []model.BackendTarget{targetFor(t, closedPort(t))}, discardLogger(), nil)

	start := time.Now()
	if err := g.Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait() error = %v, want nil on timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait() took %v, want about the 1s budget", elapsed)
	}
}

func TestWait_BackendExited(t *testing.T) {
	g := New(testConfig(ModePoll, 30), []model.BackendTarget{targetFor(t, closedPort(t))}, discardLogger(), nil)

	exited := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(exited)
	}()

	start := time.Now()
	err := g.Wait(context.Background(), exited)
	if !errors.Is(err, ErrBackendExited) {
		t.Fatalf("Wait() error = %v, want %v", err, ErrBackendExited)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait() took %v after backend exit", elapsed)
	}
}

func TestWait_ContextCanceled(t *testing.T) {
	g := New(testConfig(ModeDelay, 30), nil, discardLogger(), nil)
	g.delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := g.Wait(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want %v", err, context.Canceled)
	}
}

func TestWait_Delay(t *testing.T) {
	g := New(testConfig(ModeDelay, 30), nil, discardLogger(), nil)
	g.delay = 150 * time.Millisecond

	start := time.Now()
	if err := g.Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Wait() returned after %v, want at least 150ms", elapsed)
	}
}
