package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"myst-proxy/internal/client"
	"myst-proxy/internal/config"
	"myst-proxy/internal/fallback"
	"myst-proxy/internal/handler"
	"myst-proxy/internal/metrics"
	"myst-proxy/internal/middleware"
	"myst-proxy/internal/readiness"
	"myst-proxy/internal/rewrite"
	"myst-proxy/internal/routing"
	"myst-proxy/internal/service"
	"myst-proxy/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("myst-proxy"),
		kong.Description("Launches a MyST document server on loopback and exposes it through a link-rewriting reverse proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.StopTimeout(30*time.Second),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			routing.New,
			supervisor.New,
			func(s *supervisor.Supervisor) handler.BackendStatus { return s },
			newGate,
			client.NewBackendTransport,
			newRewriter,
			rewrite.NewOriginResolver,
			fallback.New,
			newProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			warnConfigPermissions,
			logStartup,
			startSupervisor,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics labels the proxy's own endpoints by path and folds everything
// else into a single label.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Server.HealthPath, cfg.Server.StatusPath, cfg.Metrics.Path)
}

func newGate(cfg *config.Config, table *routing.Table, logger *slog.Logger, m *metrics.Metrics) *readiness.Gate {
	return readiness.New(cfg, table.Targets(), logger, m)
}

func newRewriter(cfg *config.Config, table *routing.Table, logger *slog.Logger, m *metrics.Metrics) *rewrite.Rewriter {
	return rewrite.New(cfg, table.Targets(), logger, m)
}

func newProxyService(
	cfg *config.Config,
	table *routing.Table,
	transport *client.BackendTransport,
	rw *rewrite.Rewriter,
	origins *rewrite.OriginResolver,
	fb *fallback.Handler,
	logger *slog.Logger,
) *service.ProxyService {
	return service.NewProxyService(table, service.Options{
		Transport:          transport,
		Rewriter:           rw,
		Origins:            origins,
		ErrorHandler:       fb.ServeError,
		TrustForwardedHost: cfg.Rewrite.TrustForwardedHost,
	}, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: WebSocket sessions and slow renders are
	// long-lived. Hung backends are bounded by the upstream header timeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, cfg.Server.HealthPath))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logStartup(cfg *config.Config, table *routing.Table, logger *slog.Logger) {
	targets := make([]string, 0, len(table.Targets()))
	for _, t := range table.Targets() {
		targets = append(targets, fmt.Sprintf("%s=%s", t.Role, t.Addr()))
	}

	rewriteHost := "disabled"
	switch {
	case cfg.Rewrite.PublicHost != "":
		rewriteHost = cfg.Rewrite.PublicScheme + "://" + cfg.Rewrite.PublicHost
	case cfg.Rewrite.FromRequest:
		rewriteHost = "from request"
	}

	logger.Info("myst-proxy starting",
		"version", version,
		"addr", cfg.Server.Addr(),
		"targets", strings.Join(targets, ","),
		"default_target", table.Default().Role,
		"rewrite", rewriteHost,
		"config", cfg.FilePath(),
	)
}

// startSupervisor launches the backend. It is registered before the server so
// that its OnStop runs last, after the listener has drained.
func startSupervisor(lc fx.Lifecycle, sd fx.Shutdowner, sup *supervisor.Supervisor, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sup.Start(ctx); err != nil {
				return err
			}
			go watchBackend(sup, func(code int) {
				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Error("shutdown failed", "err", err)
				}
			}, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sup.Stop(ctx)
		},
	})
}

// startServer opens the public listener once the readiness gate passes.
// Startup is not blocked on the gate, so fx keeps handling signals while the
// backend boots.
func startServer(
	lc fx.Lifecycle,
	sd fx.Shutdowner,
	e *echo.Echo,
	cfg *config.Config,
	gate *readiness.Gate,
	sup *supervisor.Supervisor,
	transport *client.BackendTransport,
	logger *slog.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := gate.Wait(runCtx, sup.Done()); err != nil {
					// The supervisor watcher or the stop hook owns shutdown.
					logger.Info("listener not started", "reason", err)
					return
				}
				if runCtx.Err() != nil {
					return
				}

				addr := cfg.Server.Addr()
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					logger.Error("bind failed", "addr", addr, "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				logger.Info("starting server", "addr", addr)
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := drain(ctx, sup, e, logger)
			transport.CloseIdleConnections()
			return err
		},
	})
}
