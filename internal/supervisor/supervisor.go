// Package supervisor launches and owns the document-rendering backend process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"myst-proxy/internal/config"
	"myst-proxy/internal/metrics"
)

// State is the lifecycle state of the backend process.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

var (
	// ErrAlreadyStarted is returned by Start when called more than once.
	ErrAlreadyStarted = errors.New("supervisor: already started")

	// ErrStopTimeout is returned by Stop when the process group survives SIGKILL.
	ErrStopTimeout = errors.New("supervisor: backend did not exit after SIGKILL")
)

// pipeDrainDelay bounds how long Wait keeps reading output after the process
// exits, in case a grandchild still holds stdout or stderr open.
const pipeDrainDelay = 2 * time.Second

const killWait = 5 * time.Second

// Status is a point-in-time snapshot of the backend process.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Command   []string  `json:"command"`
}

// Supervisor runs exactly one backend process for the lifetime of the proxy.
type Supervisor struct {
	command     []string
	shell       bool
	dir         string
	env         []string
	stopTimeout time.Duration
	logger      *slog.Logger
	output      *slog.Logger
	metrics     *metrics.Metrics

	mu        sync.Mutex
	state     State
	pid       int
	exitCode  int
	startedAt time.Time
	stopping  bool

	termOnce sync.Once
	done     chan struct{}
}

// New creates a Supervisor from the backend section of cfg. m may be nil.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		command:     append([]string(nil), cfg.Backend.Command...),
		shell:       cfg.Backend.Shell,
		dir:         cfg.Backend.WorkingDir,
		env:         buildEnv(os.Environ(), cfg.Backend.UnsetEnv, cfg.Backend.Env),
		stopTimeout: time.Duration(cfg.Backend.StopTimeoutSeconds) * time.Second,
		logger:      logger.With("component", "supervisor"),
		output:      logger.With("component", "backend"),
		metrics:     m,
		state:       StateIdle,
		done:        make(chan struct{}),
	}
}

// Start spawns the backend and returns once the process exists. The process
// is not tied to ctx; use Terminate or Stop to end it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.fail()
		return fmt.Errorf("supervisor: start: %w", err)
	}

	cmd := s.newCmd()
	stdout := newLineWriter(s.output.With("stream", "stdout"), slog.LevelInfo)
	stderr := newLineWriter(s.output.With("stream", "stderr"), slog.LevelWarn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.fail()
		return fmt.Errorf("supervisor: start %q: %w", s.command[0], err)
	}

	pid := cmd.Process.Pid
	stdout.setPID(pid)
	stderr.setPID(pid)

	s.mu.Lock()
	s.state = StateRunning
	s.pid = pid
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BackendUp.Set(1)
	}
	s.logger.Info("backend started",
		"pid", pid,
		"command", strings.Join(s.command, " "),
		"shell", s.shell,
	)

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		s.finish(cmd, err)
	}()

	return nil
}

func (s *Supervisor) newCmd() *exec.Cmd {
	var cmd *exec.Cmd
	if s.shell {
		cmd = exec.Command("/bin/sh", "-c", shellCommand(s.command))
	} else {
		cmd = exec.Command(s.command[0], s.command[1:]...)
	}
	cmd.Dir = s.dir
	cmd.Env = s.env
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = pipeDrainDelay
	return cmd
}

// shellCommand builds the script for shell mode. A single element is used as
// written, so it may contain pipes and expansions. Several elements are
// quoted one by one and keep their argument boundaries.
func shellCommand(command []string) string {
	if len(command) == 1 {
		return command[0]
	}
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(arg string) string {
	if arg != "" && strings.Trim(arg, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@+,%") == "" {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// fail records a spawn failure. Done is closed so waiters never block.
func (s *Supervisor) fail() {
	s.mu.Lock()
	s.state = StateExited
	s.exitCode = 1
	s.mu.Unlock()
	close(s.done)
}

func (s *Supervisor) finish(cmd *exec.Cmd, waitErr error) {
	code, signaled := exitStatus(cmd.ProcessState)

	s.mu.Lock()
	s.exitCode = code
	if signaled {
		s.state = StateKilled
	} else {
		s.state = StateExited
	}
	stopping := s.stopping
	pid := s.pid
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BackendUp.Set(0)
	}

	attrs := []any{"pid", pid, "exit_code", code, "signaled", signaled}
	if waitErr != nil && !errors.As(waitErr, new(*exec.ExitError)) {
		attrs = append(attrs, "error", waitErr)
	}
	if stopping {
		s.logger.Info("backend stopped", attrs...)
	} else {
		s.logger.Error("backend exited unexpectedly", attrs...)
	}

	close(s.done)
}

// exitStatus maps a finished process to the exit code the proxy mirrors.
// A backend terminated by a signal maps to 1.
func exitStatus(ps *os.ProcessState) (code int, signaled bool) {
	if ps == nil {
		return 1, false
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 1, true
	}
	if c := ps.ExitCode(); c >= 0 {
		return c, false
	}
	return 1, false
}

// Terminate asks the backend process group to exit with SIGTERM. It does not
// wait and is safe to call repeatedly.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	s.stopping = true
	running := s.state == StateRunning
	pid := s.pid
	s.mu.Unlock()

	if !running {
		return
	}
	s.termOnce.Do(func() {
		s.logger.Info("terminating backend", "pid", pid)
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal backend", "pid", pid, "error", err)
		}
	})
}

// Stop terminates the backend and waits up to the configured stop timeout
// (or until ctx ends) before killing the whole process group.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.Terminate()
	if s.State() == StateIdle {
		return nil
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	pid := s.PID()
	s.logger.Warn("backend did not exit in time, killing process group", "pid", pid)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		s.logger.Warn("failed to kill backend", "pid", pid, "error", err)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(killWait):
		return ErrStopTimeout
	}
}

// Done is closed once the backend has exited or failed to start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stopping reports whether the proxy initiated the backend's termination.
func (s *Supervisor) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the backend process id, or 0 before it started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ExitCode returns the exit code to mirror. It is meaningful only after Done
// is closed.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Status returns a snapshot for the status endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		PID:       s.pid,
		StartedAt: s.startedAt,
		Command:   s.command,
	}
	if s.state == StateExited || s.state == StateKilled {
		st.ExitCode = s.exitCode
	}
	return st
}

// buildEnv copies base without the variables named in unset and appends extra.
func buildEnv(base, unset, extra []string) []string {
	drop := make(map[string]bool, len(unset))
	for _, k := range unset {
		drop[k] = true
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if drop[k] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}
