// Package config handles loading, validating, and applying configuration
// for an ensemble run.  Configuration is read from a YAML file and can be
// overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexanderSemenyak/ert/internal/driver"
	"github.com/AlexanderSemenyak/ert/internal/driver/docker"
	"github.com/AlexanderSemenyak/ert/internal/driver/local"
	"github.com/AlexanderSemenyak/ert/internal/driver/lsf"
	"github.com/AlexanderSemenyak/ert/internal/ensemble"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/otel"
)

// Placeholders substituted in the command, runpath and job name templates.
const (
	PlaceholderIens = "<IENS>"
	PlaceholderIter = "<ITER>"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Driver   DriverConfig   `yaml:"driver"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Ensemble
// ---------------------------------------------------------------------------

// EnsembleConfig describes the realizations to run.
type EnsembleConfig struct {
	// Realizations is the ensemble size; realizations are numbered
	// 0..Realizations-1.
	Realizations int `yaml:"realizations"`

	// Iteration is substituted for <ITER>.  Default: 0.
	Iteration int `yaml:"iteration"`

	// Command is the shell command each realization runs.  <IENS> and
	// <ITER> are substituted.
	Command string `yaml:"command"`

	// RunPath is the per-realization working directory template.
	// Relative paths are resolved against the working directory.
	// Optional.
	RunPath string `yaml:"runpath"`

	// JobName is the backend job name template.
	// Default: "realization-<IENS>"
	JobName string `yaml:"job_name"`

	// LegacyLogs forwards events appended to <runpath>/<log_name>.
	LegacyLogs bool `yaml:"legacy_logs"`

	// LogName is the event log file name.  Default: "event_log".
	LogName string `yaml:"log_name"`
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// DriverConfig selects and configures the batch backend.
type DriverConfig struct {
	// Type selects the backend: "local", "lsf" or "docker".
	Type string `yaml:"type"`

	Local  LocalDriverConfig  `yaml:"local"`
	LSF    LSFDriverConfig    `yaml:"lsf"`
	Docker DockerDriverConfig `yaml:"docker"`
}

// LocalDriverConfig runs realizations as child processes.
type LocalDriverConfig struct {
	// Shell runs the command.  Default: /bin/sh.
	Shell string `yaml:"shell"`
	// KillGrace is the delay between SIGTERM and SIGKILL.  Default: 5s.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// LSFDriverConfig submits realizations to LSF.
type LSFDriverConfig struct {
	BsubCmd      string        `yaml:"bsub_cmd"`
	BjobsCmd     string        `yaml:"bjobs_cmd"`
	BkillCmd     string        `yaml:"bkill_cmd"`
	Queue        string        `yaml:"queue"`
	Resources    string        `yaml:"resources"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DockerDriverConfig runs each realization in a container.
type DockerDriverConfig struct {
	// Image is the realization image.  Default: "busybox:latest".
	Image        string        `yaml:"image"`
	SkipPull     bool          `yaml:"skip_pull"`
	Workdir      string        `yaml:"workdir"`
	User         string        `yaml:"user"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the event bus.
type ServerConfig struct {
	// Host is the bind address.  Default: 127.0.0.1.
	Host string `yaml:"host"`

	// PortRange is "start-stop", tried in order, stop exclusive.  A single
	// port "p" forces that port.  Default: "51820-51840".
	PortRange string `yaml:"port_range"`

	// AnyPort lets the OS pick a free port; PortRange is ignored.
	AnyPort bool `yaml:"any_port"`

	// Reuse binds with SO_REUSEADDR.
	Reuse bool `yaml:"reuse"`

	// MaxQueue is the per-monitor queue length.  Default: 500.
	MaxQueue int `yaml:"max_queue"`

	// MaxMessageSize is the frame size limit in bytes.  Default: 64 MiB.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP export.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.
	StdOut bool `yaml:"stdout"`

	// Prometheus collects metrics for the bus's /metrics route.
	// Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; flags may fill it in before
// Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Ensemble.JobName == "" {
		c.Ensemble.JobName = "realization-" + PlaceholderIens
	}
	if c.Ensemble.LogName == "" {
		c.Ensemble.LogName = "event_log"
	}
	if c.Driver.Type == "" {
		c.Driver.Type = "local"
	}
	if c.Driver.Local.Shell == "" {
		c.Driver.Local.Shell = "/bin/sh"
	}
	if c.Driver.Local.KillGrace == 0 {
		c.Driver.Local.KillGrace = 5 * time.Second
	}
	if c.Driver.LSF.BsubCmd == "" {
		c.Driver.LSF.BsubCmd = "bsub"
	}
	if c.Driver.LSF.BjobsCmd == "" {
		c.Driver.LSF.BjobsCmd = "bjobs"
	}
	if c.Driver.LSF.BkillCmd == "" {
		c.Driver.LSF.BkillCmd = "bkill"
	}
	if c.Driver.LSF.PollInterval == 0 {
		c.Driver.LSF.PollInterval = 2 * time.Second
	}
	if c.Driver.Docker.Image == "" {
		c.Driver.Docker.Image = "busybox:latest"
	}
	if c.Driver.Docker.Workdir == "" {
		c.Driver.Docker.Workdir = "/work"
	}
	if c.Driver.Docker.PollInterval == 0 {
		c.Driver.Docker.PollInterval = time.Second
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.PortRange == "" {
		c.Server.PortRange = "51820-51840"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Ensemble.Realizations < 0 {
		return fmt.Errorf("ensemble.realizations must not be negative (got %d)", c.Ensemble.Realizations)
	}
	if c.Ensemble.Realizations > 0 && strings.TrimSpace(c.Ensemble.Command) == "" {
		return fmt.Errorf("ensemble.command is required")
	}
	if c.Ensemble.LegacyLogs && c.Ensemble.RunPath == "" {
		return fmt.Errorf("ensemble.legacy_logs needs ensemble.runpath")
	}
	if c.Ensemble.Realizations > 1 && c.Ensemble.RunPath != "" &&
		!strings.Contains(c.Ensemble.RunPath, PlaceholderIens) {
		return fmt.Errorf("ensemble.runpath must contain %s so realizations do not share a directory", PlaceholderIens)
	}

	switch c.Driver.Type {
	case "local", "lsf":
		// OK
	case "docker":
		if c.Driver.Docker.Image == "" {
			return fmt.Errorf("driver.docker.image is required when driver.type is \"docker\"")
		}
	default:
		return fmt.Errorf("driver.type %q is not supported (supported: local, lsf, docker)", c.Driver.Type)
	}

	if err := netutil.ValidateHost(c.Server.Host); err != nil {
		return fmt.Errorf("server.host: %w", err)
	}
	if !c.Server.AnyPort {
		if _, err := ParsePortRange(c.Server.PortRange); err != nil {
			return fmt.Errorf("server.port_range: %w", err)
		}
	}
	if c.Server.MaxQueue < 0 {
		return fmt.Errorf("server.max_queue must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

// ParsePortRange parses "start-stop" (stop exclusive) or a single port.
func ParsePortRange(s string) ([]int, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	start, err := parsePort(lo)
	if err != nil {
		return nil, err
	}
	if !isRange {
		return netutil.Range(start, start), nil
	}
	stop, err := parsePort(hi)
	if err != nil {
		return nil, err
	}
	if stop <= start {
		return nil, fmt.Errorf("empty port range %q", s)
	}
	return netutil.Range(start, stop), nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration, writing
// to stderr so stdout stays free for command output.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stderr)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDriver creates the backend selected by driver.type.
func (c *Config) NewDriver(ctx context.Context, logger *slog.Logger) (driver.Driver, error) {
	switch c.Driver.Type {
	case "local":
		return local.New(local.Config{
			Shell:     c.Driver.Local.Shell,
			KillGrace: c.Driver.Local.KillGrace,
		}, logger.WithGroup("driver.local")), nil
	case "lsf":
		return lsf.New(lsf.Config{
			BsubCmd:      c.Driver.LSF.BsubCmd,
			BjobsCmd:     c.Driver.LSF.BjobsCmd,
			BkillCmd:     c.Driver.LSF.BkillCmd,
			Queue:        c.Driver.LSF.Queue,
			Resources:    c.Driver.LSF.Resources,
			PollInterval: c.Driver.LSF.PollInterval,
		}, logger.WithGroup("driver.lsf")), nil
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:        c.Driver.Docker.Image,
			SkipPull:     c.Driver.Docker.SkipPull,
			Workdir:      c.Driver.Docker.Workdir,
			User:         c.Driver.Docker.User,
			PollInterval: c.Driver.Docker.PollInterval,
		}, logger.WithGroup("driver.docker"))
	default:
		return nil, fmt.Errorf("unsupported driver type: %s", c.Driver.Type)
	}
}

// Ports returns the bus port candidates.  Nil means any port.
func (c *Config) Ports() []int {
	if c.Server.AnyPort {
		return nil
	}
	ports, err := ParsePortRange(c.Server.PortRange)
	if err != nil {
		return netutil.DefaultRange
	}
	return ports
}

// expand substitutes the placeholders of realization iens.
func (c *Config) expand(tmpl string, iens int) string {
	return strings.NewReplacer(
		PlaceholderIens, strconv.Itoa(iens),
		PlaceholderIter, strconv.Itoa(c.Ensemble.Iteration),
	).Replace(tmpl)
}

// BuildRealizations expands the templates for every realization.  Runpaths
// are made absolute.
func (c *Config) BuildRealizations() ([]ensemble.Realization, error) {
	reals := make([]ensemble.Realization, c.Ensemble.Realizations)
	for iens := range reals {
		r := ensemble.Realization{
			Iens:    iens,
			Command: c.expand(c.Ensemble.Command, iens),
			Name:    c.expand(c.Ensemble.JobName, iens),
		}
		if c.Ensemble.RunPath != "" {
			path, err := filepath.Abs(c.expand(c.Ensemble.RunPath, iens))
			if err != nil {
				return nil, fmt.Errorf("runpath of realization %d: %w", iens, err)
			}
			r.RunPath = path
		}
		reals[iens] = r
	}
	return reals, nil
}

// EnsembleConfig assembles the orchestration settings around drv.
func (c *Config) EnsembleConfig(drv driver.Driver, logger *slog.Logger) (ensemble.Config, error) {
	reals, err := c.BuildRealizations()
	if err != nil {
		return ensemble.Config{}, err
	}
	return ensemble.Config{
		Realizations:   reals,
		Driver:         drv,
		Host:           c.Server.Host,
		Ports:          c.Ports(),
		Reuse:          c.Server.Reuse,
		LegacyLogs:     c.Ensemble.LegacyLogs,
		LogName:        c.Ensemble.LogName,
		MaxQueue:       c.Server.MaxQueue,
		MaxMessageSize: c.Server.MaxMessageSize,
		Logger:         logger,
	}, nil
}

// OTelSetup returns the telemetry settings.
func (c *Config) OTelSetup() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus != nil && *c.OTel.Prometheus,
	}
}
