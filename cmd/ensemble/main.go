package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlexanderSemenyak/ert/internal/buildinfo"
	"github.com/AlexanderSemenyak/ert/internal/config"
	"github.com/AlexanderSemenyak/ert/internal/ensemble"
	"github.com/AlexanderSemenyak/ert/internal/monitor"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/otel"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

var (
	cfgPath       string
	flagOverrides config.Config

	monitorHost string
	monitorPort int
	monitorID   int
	monitorExit bool

	portHost  string
	portRange string
	portAny   bool
	portReuse bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Run an ensemble of realizations and stream their progress",
	Long: `ensemble submits every realization of an ensemble to a batch backend
(local processes, LSF or Docker), tracks their lifecycle and republishes
it as an event stream that monitors can follow over a websocket.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured ensemble until every realization finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow the event stream of a running ensemble",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return follow(ctx)
	},
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Find a free port the event bus could bind to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findPort(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd, monitorCmd, portCmd)

	f := runCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "ensemble.yaml", "Path to YAML configuration file")

	// Ensemble overrides
	f.IntVar(&flagOverrides.Ensemble.Realizations, "realizations", 0, "Number of realizations")
	f.StringVar(&flagOverrides.Ensemble.Command, "command", "", "Command each realization runs (<IENS> and <ITER> are substituted)")
	f.StringVar(&flagOverrides.Ensemble.RunPath, "runpath", "", "Runpath template (e.g. runs/realization-<IENS>)")
	f.BoolVar(&flagOverrides.Ensemble.LegacyLogs, "legacy-logs", false, "Forward events from <runpath>/event_log files")

	// Driver overrides
	f.StringVar(&flagOverrides.Driver.Type, "driver", "", "Batch backend (local, lsf, docker)")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Host, "host", "", "Event bus bind address")
	f.StringVar(&flagOverrides.Server.PortRange, "port-range", "", "Event bus port range (start-stop or a single port)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	m := monitorCmd.Flags()
	m.StringVar(&monitorHost, "host", "127.0.0.1", "Event bus host")
	m.IntVar(&monitorPort, "port", netutil.DefaultRange[0], "Event bus port")
	m.IntVar(&monitorID, "id", 0, "Monitor number, used in the source of its requests")
	m.BoolVar(&monitorExit, "exit", false, "Ask the event bus to shut down instead of following it")

	p := portCmd.Flags()
	p.StringVar(&portHost, "host", "127.0.0.1", "Address to bind")
	p.StringVar(&portRange, "range", "51820-51840", "Candidate ports (start-stop or a single port)")
	p.BoolVar(&portAny, "any", false, "Let the OS pick any free port, ignoring --range")
	p.BoolVar(&portReuse, "reuse", false, "Bind with SO_REUSEADDR")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Ensemble.Realizations != 0 {
		cfg.Ensemble.Realizations = flagOverrides.Ensemble.Realizations
	}
	if flagOverrides.Ensemble.Command != "" {
		cfg.Ensemble.Command = flagOverrides.Ensemble.Command
	}
	if flagOverrides.Ensemble.RunPath != "" {
		cfg.Ensemble.RunPath = flagOverrides.Ensemble.RunPath
	}
	if flagOverrides.Ensemble.LegacyLogs {
		cfg.Ensemble.LegacyLogs = true
	}
	if flagOverrides.Driver.Type != "" {
		cfg.Driver.Type = flagOverrides.Driver.Type
	}
	if flagOverrides.Server.Host != "" {
		cfg.Server.Host = flagOverrides.Server.Host
	}
	if flagOverrides.Server.PortRange != "" {
		cfg.Server.PortRange = flagOverrides.Server.PortRange
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("driver", cfg.Driver.Type),
		slog.Int("realizations", cfg.Ensemble.Realizations),
		slog.String("version", buildinfo.Version),
	)

	shutdownOTel, err := otel.Setup(ctx, cfg.OTelSetup())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Initialize batch backend
	// ---------------------------------------------------------------
	drv, err := cfg.NewDriver(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing driver: %w", err)
	}

	ecfg, err := cfg.EnsembleConfig(drv, logger.WithGroup("ensemble"))
	if err != nil {
		return fmt.Errorf("building ensemble: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Open the ensemble
	// ---------------------------------------------------------------
	ec, err := ensemble.Open(ctx, ecfg)
	if err != nil {
		return fmt.Errorf("starting ensemble: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := ec.Close(closeCtx); err != nil {
			logger.Error("ensemble teardown failed", slog.String("error", err.Error()))
		}
	}()

	e := ec.Endpoints()
	logger.Info("ensemble running",
		slog.String("session", ec.SessionID()),
		slog.String("monitor", fmt.Sprintf("ensemble monitor --host %s --port %d",
			netutil.MachineName(ctx, net.DefaultResolver), e.Port)),
	)

	// ---------------------------------------------------------------
	// 5. Wait
	// ---------------------------------------------------------------
	results, err := ec.Wait(ctx)
	printResults(results)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted, shutting down")
			return nil
		}
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Aborted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d realizations failed", failed, len(results))
	}
	logger.Info("all realizations finished")
	return nil
}

func printResults(results map[int]ensemble.Result) {
	iens := make([]int, 0, len(results))
	for i := range results {
		iens = append(iens, i)
	}
	slices.Sort(iens)
	for _, i := range iens {
		r := results[i]
		status := "ok"
		if r.Aborted {
			status = "failed"
		}
		fmt.Printf("realization %d: %s (returncode %d)\n", i, status, r.ReturnCode)
	}
}

func follow(ctx context.Context) error {
	m := monitor.New(wsutil.Endpoints{Host: monitorHost, Port: monitorPort}, monitor.Options{ID: monitorID})

	if monitorExit {
		return m.ExitServer(ctx)
	}

	sub, err := m.Track(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for ev := range sub.All() {
		fmt.Println(ev)
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func findPort(ctx context.Context) error {
	var candidates []int
	if !portAny {
		ports, err := config.ParsePortRange(portRange)
		if err != nil {
			return err
		}
		candidates = ports
	}

	lease, err := netutil.Allocate(ctx, candidates, portHost, portReuse)
	if err != nil {
		return err
	}
	defer lease.Close()

	fmt.Printf("%s %d\n", netutil.MachineName(ctx, net.DefaultResolver), lease.Port)
	return nil
}
