package main

import (
	"context"
	"log/slog"

	"myst-proxy/internal/supervisor"
)

// backendProcess is the part of the supervisor the lifecycle hooks drive.
type backendProcess interface {
	Done() <-chan struct{}
	Stopping() bool
	ExitCode() int
	State() supervisor.State
	Terminate()
}

type serverShutdowner interface {
	Shutdown(ctx context.Context) error
}

// watchBackend blocks until the backend exits. An exit the proxy did not ask
// for ends the service with the backend's exit code.
func watchBackend(b backendProcess, shutdown func(code int), logger *slog.Logger) {
	<-b.Done()
	if b.Stopping() {
		return
	}
	code := b.ExitCode()
	logger.Error("backend exited unexpectedly, shutting down",
		"state", b.State(),
		"exit_code", code,
	)
	shutdown(code)
}

// drain signals the backend, then stops accepting connections and waits for
// in-flight requests. The backend winds down while the listener drains.
func drain(ctx context.Context, b backendProcess, srv serverShutdowner, logger *slog.Logger) error {
	b.Terminate()
	logger.Info("shutting down server")
	return srv.Shutdown(ctx)
}
