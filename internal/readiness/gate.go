// Package readiness decides when the public listener may start accepting
// connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
	"myst-proxy/internal/model"
)

const (
	ModePoll  = "poll"
	ModeDelay = "delay"
)

// ErrBackendExited is returned by Wait when the backend exits before it is ready.
var ErrBackendExited = errors.New("readiness: backend exited before becoming ready")

const probeTimeout = time.Second

// Gate waits for the backend targets before the listener opens.
type Gate struct {
	mode            string
	delay           time.Duration
	path            string
	maxWait         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	targets         []model.BackendTarget
	client          *http.Client
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// New creates a Gate for targets. m may be nil.
func New(cfg *config.Config, targets []model.BackendTarget, logger *slog.Logger, m *metrics.Metrics) *Gate {
	rc := cfg.Readiness
	return &Gate{
		mode:            rc.Mode,
		delay:           time.Duration(rc.DelaySeconds) * time.Second,
		path:            rc.Path,
		maxWait:         time.Duration(rc.MaxWaitSeconds) * time.Second,
		initialInterval: time.Duration(rc.InitialIntervalMS) * time.Millisecond,
		maxInterval:     time.Duration(rc.MaxIntervalMS) * time.Millisecond,
		targets:         targets,
		client:          &http.Client{Timeout: probeTimeout},
		logger:          logger.With("component", "readiness"),
		metrics:         m,
	}
}

// Wait blocks until the gate opens. It returns nil when every target answered
// or when the wait budget ran out; a timeout is logged and the listener opens
// anyway. It returns ErrBackendExited if exited is closed first, or the
// context error if ctx ends.
func (g *Gate) Wait(ctx context.Context, exited <-chan struct{}) error {
	start := time.Now()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-exited:
			cancel(ErrBackendExited)
		case <-ctx.Done():
		}
	}()

	var err error
	switch g.mode {
	case ModeDelay:
		err = g.sleep(ctx)
	default:
		err = g.poll(ctx)
	}

	waited := time.Since(start)
	if g.metrics != nil {
		g.metrics.ReadinessWaitSeconds.Set(waited.Seconds())
	}

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if err != nil {
		g.logger.Warn("backend not ready, opening listener anyway",
			"mode", g.mode,
			"waited", waited.Round(time.Millisecond).String(),
			"error", err,
		)
		return nil
	}

	g.logger.Info("backend ready", "mode", g.mode, "waited", waited.Round(time.Millisecond).String())
	return nil
}

func (g *Gate) sleep(ctx context.Context) error {
	timer := time.NewTimer(g.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (g *Gate) poll(ctx context.Context) error {
	deadline := time.Now().Add(g.maxWait)

	for _, t := range g.targets {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%s: wait budget exhausted", t)
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = g.initialInterval
		b.MaxInterval = g.maxInterval

		attempts := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, g.probe(ctx, t)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(remaining),
			backoff.WithNotify(func(err error, next time.Duration) {
				g.logger.Debug("backend not ready yet", "target", t.Role, "addr", t.Addr(), "retry_in", next, "error", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("%s after %d attempts: %w", t, attempts, err)
		}
		g.logger.Debug("target ready", "target", t.Role, "addr", t.Addr(), "attempts", attempts)
	}
	return nil
}

// probe dials the target, or issues GET path when a readiness path is set.
// Any HTTP answer below 500 counts as ready.
func (g *Gate) probe(ctx context.Context, t model.BackendTarget) error {
	if g.path == "" {
		d := net.Dialer{Timeout: probeTimeout}
		conn, err := d.DialContext(ctx, "tcp", t.Addr())
		if err != nil {
			return err
		}
		return conn.Close()
	}

	u := t.URL()
	u.Path = g.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("readiness probe %s: status %d", u, resp.StatusCode)
	}
	return nil
}
