// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"myst-proxy/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/myst-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string   `kong:"help='Listen host (overrides config).',env='HOST_ADDR'"`
	Port       int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicHost string   `kong:"help='Externally visible host used to rewrite backend links.',env='PUBLIC_HOST,RAILWAY_PUBLIC_DOMAIN,PUBLIC_URL'"`
	LogLevel   string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Command    []string `kong:"arg,optional,passthrough,help='Backend command and arguments (overrides config).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Targets   []TargetConfig  `toml:"targets"`
	Routes    []RouteConfig   `toml:"routes"`
	Readiness ReadinessConfig `toml:"readiness"`
	Rewrite   RewriteConfig   `toml:"rewrite"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds public listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	HealthPath   string          `toml:"health_path"`
	StatusPath   string          `toml:"status_path"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes how to launch the document-rendering backend.
type BackendConfig struct {
	Command            []string `toml:"command"`
	Shell              bool     `toml:"shell"` // one element: raw script; several: quoted argv
	WorkingDir         string   `toml:"working_dir"`
	Env                []string `toml:"env"`
	UnsetEnv           []string `toml:"unset_env"`
	StopTimeoutSeconds int      `toml:"stop_timeout_seconds"`
}

// TargetConfig is one loopback backend server.
type TargetConfig struct {
	Role string `toml:"role"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RouteConfig sends a path prefix to the target with the given role.
type RouteConfig struct {
	Prefix string `toml:"prefix"`
	Role   string `toml:"role"`
}

// ReadinessConfig controls when the public listener opens.
type ReadinessConfig struct {
	Mode              string `toml:"mode"` // "poll" or "delay"
	DelaySeconds      int    `toml:"delay_seconds"`
	Path              string `toml:"path"` // HTTP GET path for poll mode; empty means TCP dial
	MaxWaitSeconds    int    `toml:"max_wait_seconds"`
	InitialIntervalMS int    `toml:"initial_interval_ms"`
	MaxIntervalMS     int    `toml:"max_interval_ms"`
}

// RewriteConfig controls rewriting of backend-internal links.
type RewriteConfig struct {
	PublicHost   string `toml:"public_host"`
	PublicScheme string `toml:"public_scheme"`
	FromRequest  bool   `toml:"from_request"`
	ExtraPorts   []int  `toml:"extra_ports"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`

	// TrustForwardedHost lets X-Forwarded-Host override Host when the origin
	// comes from the request. Enable only behind a proxy that sets it.
	TrustForwardedHost bool `toml:"trust_forwarded_host"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"` // response header timeout
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/myst-proxy/config.toml then configs/config.toml. Running without a
// config file is valid: defaults and CLI/environment values are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.normalizePublicHost(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicHost != "" {
		c.Rewrite.PublicHost = cli.PublicHost
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Command) > 0 {
		c.Backend.Command = append([]string(nil), cli.Command...)
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = "/_proxy/healthz"
	}
	if c.Server.StatusPath == "" {
		c.Server.StatusPath = "/_proxy/status"
	}

	if len(c.Targets) == 0 {
		c.Targets = []TargetConfig{{Role: string(model.RoleSingle), Host: "127.0.0.1", Port: 3000}}
	}
	for i := range c.Targets {
		if c.Targets[i].Host == "" {
			c.Targets[i].Host = "127.0.0.1"
		}
	}
	if len(c.Backend.Command) == 0 {
		c.Backend.Command = []string{"myst", "start", "--port", strconv.Itoa(c.Targets[0].Port)}
	}
	if c.Backend.UnsetEnv == nil {
		c.Backend.UnsetEnv = []string{"HOST"}
	}
	if c.Backend.StopTimeoutSeconds == 0 {
		c.Backend.StopTimeoutSeconds = 10
	}

	if c.Readiness.Mode == "" {
		c.Readiness.Mode = "poll"
	}
	if c.Readiness.DelaySeconds == 0 {
		c.Readiness.DelaySeconds = 3
	}
	if c.Readiness.MaxWaitSeconds == 0 {
		c.Readiness.MaxWaitSeconds = 60
	}
	if c.Readiness.InitialIntervalMS == 0 {
		c.Readiness.InitialIntervalMS = 200
	}
	if c.Readiness.MaxIntervalMS == 0 {
		c.Readiness.MaxIntervalMS = 2000
	}

	if c.Rewrite.PublicScheme == "" {
		c.Rewrite.PublicScheme = "https"
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 16 * 1024 * 1024 // 16 MB
	}

	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/_proxy/metrics"
	}
}

// normalizePublicHost accepts a bare host or a URL. A scheme given in the
// value wins over rewrite.public_scheme.
func (c *Config) normalizePublicHost() error {
	raw := strings.TrimSpace(c.Rewrite.PublicHost)
	if raw == "" {
		c.Rewrite.PublicHost = ""
		return nil
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("rewrite.public_host is not a valid URL: %w", err)
		}
		if u.Host == "" {
			return fmt.Errorf("rewrite.public_host %q has no host", raw)
		}
		c.Rewrite.PublicScheme = strings.ToLower(u.Scheme)
		raw = u.Host
	}
	raw = strings.TrimRight(raw, "/")
	if strings.ContainsAny(raw, "/ ") {
		return fmt.Errorf("rewrite.public_host must be a host[:port]; got %q", c.Rewrite.PublicHost)
	}
	c.Rewrite.PublicHost = raw
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.validateTargets(); err != nil {
		return err
	}

	if len(c.Backend.Command) == 0 || c.Backend.Command[0] == "" {
		return errors.New("backend.command is required")
	}
	if c.Backend.StopTimeoutSeconds < 0 {
		return fmt.Errorf("backend.stop_timeout_seconds must be non-negative; got %d", c.Backend.StopTimeoutSeconds)
	}

	switch c.Readiness.Mode {
	case "poll", "delay":
	default:
		return fmt.Errorf("readiness.mode must be one of: poll, delay; got %q", c.Readiness.Mode)
	}
	if c.Readiness.DelaySeconds < 0 || c.Readiness.MaxWaitSeconds < 0 ||
		c.Readiness.InitialIntervalMS < 0 || c.Readiness.MaxIntervalMS < 0 {
		return errors.New("readiness durations must be non-negative")
	}
	if c.Readiness.Path != "" && c.Readiness.Path[0] != '/' {
		return fmt.Errorf("readiness.path must start with '/'; got %q", c.Readiness.Path)
	}

	switch c.Rewrite.PublicScheme {
	case "http", "https":
	default:
		return fmt.Errorf("rewrite.public_scheme must be one of: http, https; got %q", c.Rewrite.PublicScheme)
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}
	for _, p := range c.Rewrite.ExtraPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("rewrite.extra_ports entries must be 1–65535; got %d", p)
		}
	}

	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return c.validatePaths()
}

func (c *Config) validateTargets() error {
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if !model.Role(t.Role).Valid() {
			return fmt.Errorf("targets[%d].role must be one of: theme, content, single; got %q", i, t.Role)
		}
		if seen[t.Role] {
			return fmt.Errorf("targets[%d].role %q is duplicated", i, t.Role)
		}
		seen[t.Role] = true
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("targets[%d].port must be 1–65535; got %d", i, t.Port)
		}
		if ip := net.ParseIP(t.Host); ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("targets[%d].host must be a loopback address; got %q", i, t.Host)
		}
	}
	if seen[string(model.RoleSingle)] && len(c.Targets) > 1 {
		return errors.New("a target with role \"single\" must be the only target")
	}
	if !seen[string(model.RoleSingle)] && !seen[string(model.RoleTheme)] {
		return errors.New("targets must include a \"theme\" or \"single\" target to serve unmatched paths")
	}

	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if !seen[r.Role] {
			return fmt.Errorf("routes[%d].role %q has no matching target", i, r.Role)
		}
	}
	return nil
}

func (c *Config) validatePaths() error {
	named := map[string]string{
		"server.health_path": c.Server.HealthPath,
		"server.status_path": c.Server.StatusPath,
	}
	if c.Metrics.Enabled {
		named["metrics.path"] = c.Metrics.Path
	}
	used := make(map[string]string, len(named))
	for name, p := range named {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
		if p == "/" {
			return fmt.Errorf("%s must not be the root path", name)
		}
		if other, ok := used[p]; ok {
			return fmt.Errorf("%s %q conflicts with %s", name, p, other)
		}
		used[p] = name
	}
	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RewriteEnabled reports whether any source of an externally visible host exists.
func (c *Config) RewriteEnabled() bool {
	return c.Rewrite.PublicHost != "" || c.Rewrite.FromRequest
}

// FilePath returns the config file that was loaded, or empty string.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cannot stat config file", "path", c.filePath, "err", err)
		}
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
