package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/automation"
	"github.com/bc-dunia/fleetbench/internal/config"
	"github.com/bc-dunia/fleetbench/internal/controller"
	"github.com/bc-dunia/fleetbench/internal/hostprobe"
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/offsets"
	"github.com/bc-dunia/fleetbench/internal/otel"
	"github.com/bc-dunia/fleetbench/internal/plan"
	"github.com/bc-dunia/fleetbench/internal/retention"
	"github.com/bc-dunia/fleetbench/internal/statusapi"
)

// forceExitGrace is how long a forced stop may take before the process
// exits regardless.
const forceExitGrace = 10 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a benchmark plan",
		Long: `Execute a benchmark plan: global setup, every workload repetition on
every host, then global teardown. The first SIGINT or SIGTERM requests a
coordinated stop; a second one aborts immediately.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
	cmd.Flags().String("plan", "", "path to the plan file (required)")
	cmd.Flags().String("loki-endpoint", "", "enable the Loki sink and push to this endpoint")
	cmd.Flags().String("status-addr", "", "serve the status API on this address")
	cmd.Flags().Int("max-parallel-hosts", 0, "maximum hosts running workloads at once")
	cmd.Flags().Bool("strict-events", false, "drop events that fail schema validation")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runOverrides(cmd *cobra.Command) []config.Override {
	var out []config.Override
	flags := cmd.Flags()
	if flags.Changed("loki-endpoint") {
		v, _ := flags.GetString("loki-endpoint")
		out = append(out, func(c *config.Config) {
			c.Loki.Enabled = true
			c.Loki.Endpoint = v
		})
	}
	if flags.Changed("status-addr") {
		v, _ := flags.GetString("status-addr")
		out = append(out, func(c *config.Config) { c.StatusAddr = v })
	}
	if flags.Changed("max-parallel-hosts") {
		v, _ := flags.GetInt("max-parallel-hosts")
		out = append(out, func(c *config.Config) { c.Controller.MaxParallelHosts = v })
	}
	if flags.Changed("strict-events") {
		v, _ := flags.GetBool("strict-events")
		out = append(out, func(c *config.Config) { c.StrictEvents = v })
	}
	return out
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, runOverrides(cmd)...)
	if err != nil {
		return err
	}
	planPath, _ := cmd.Flags().GetString("plan")
	p, err := plan.Load(planPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}

	console := consoleLogger(cfg)
	ctx := context.Background()

	tracer, err := otel.NewTracer(ctx, cfg.Tracing(version))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	metrics, err := otel.NewMetrics(ctx, cfg.Metrics(version))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			console.Warn("metrics_shutdown_failed", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			console.Warn("tracer_shutdown_failed", "error", err)
		}
	}()

	sinks, err := openSinks(cfg, p.RunID, console, metrics)
	if err != nil {
		return err
	}
	defer closeSinks(sinks, console)

	logger := runLogger(cfg, console, p.RunID, sinks)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	store, err := offsets.OpenSQLiteStore(ctx, offsetsPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	execs, closeExecs, err := buildExecutors(cfg, p, logger)
	if err != nil {
		return err
	}
	defer closeExecs()

	keeper := retention.NewManager(cfg.RetentionPolicy(), cfg.OutputDir, store, logger)
	if cfg.Retention.Background {
		keeper.Start()
		defer keeper.Stop()
	}

	runner := automation.NewCommandRunner(automation.CommandConfig{
		Setup:    cfg.Automation.SetupCommand,
		Workload: cfg.Automation.WorkloadCommand,
		Teardown: cfg.Automation.TeardownCommand,
		Env:      cfg.Automation.Env,
	}, logger)

	ctrl, err := controller.New(controller.Config{
		OutputDir:        cfg.OutputDir,
		Component:        cfg.Component,
		MaxParallelHosts: cfg.Controller.MaxParallelHosts,
		PollInterval:     cfg.Tailer.PollInterval,
		TerminalStatuses: cfg.Tailer.TerminalStatuses,
		StopFileName:     cfg.Tailer.StopFileName,
		StrictEvents:     cfg.StrictEvents,
	}, runner,
		controller.WithLogger(logger),
		controller.WithSinks(sinks...),
		controller.WithTracer(tracer),
		controller.WithMetrics(metrics),
		controller.WithExecutors(execs),
		controller.WithOffsetStore(store),
		controller.WithProbe(hostprobe.New(cfg.Controller.ProbeInterval, hostprobe.Collect, logger, metrics)),
		controller.WithRunProtector(keeper),
	)
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		srv := statusapi.NewServer(cfg.StatusAddr, ctrl, statusapi.WithTracer(tracer), statusapi.WithLogger(logger))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start status api: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	defer close(done)
	go handleSignals(runCtx, cancel, ctrl, logger, done)

	snap, runErr := ctrl.Run(runCtx, p)
	printSummary(cmd.OutOrStdout(), snap)
	return runErr
}

// handleSignals turns the first signal into a coordinated stop and the
// second into cancellation of the run.
func handleSignals(ctx context.Context, cancel context.CancelCauseFunc, ctrl *controller.Controller, logger *slog.Logger, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Warn("signal_received", "signal", sig.String(), "action", "stop")
		ctrl.Stop()
	case <-done:
		return
	}

	select {
	case sig := <-sigCh:
		logger.Error("signal_received", "signal", sig.String(), "action", "abort")
		cancel(fmt.Errorf("aborted by second %s", sig))
	case <-done:
		return
	}

	select {
	case <-time.After(forceExitGrace):
		logger.Error("forced_exit", "grace", forceExitGrace.String())
		os.Exit(exitInterrupted)
	case <-done:
	case <-ctx.Done():
		// Wait for Run to return after cancellation, within the grace.
		select {
		case <-time.After(forceExitGrace):
			logger.Error("forced_exit", "grace", forceExitGrace.String())
			os.Exit(exitInterrupted)
		case <-done:
		}
	}
}

func openSinks(cfg config.Config, runID string, console *slog.Logger, metrics *otel.Metrics) ([]logsink.Sink, error) {
	var sinks []logsink.Sink
	if cfg.FileLog.Enabled {
		host, err := os.Hostname()
		if err != nil {
			host = "controller"
		}
		sinks = append(sinks, logsink.NewRotatingFileSink(cfg.FileSink(host, runID), console))
	}
	if cfg.Loki.Enabled {
		rc := cfg.RemoteSink()
		rc.Logger = console
		rc.Metrics = metrics
		rs, err := logsink.NewRemoteBatchSink(rc)
		if err != nil {
			closeSinks(sinks, console)
			return nil, fmt.Errorf("%w: loki sink: %v", errUsage, err)
		}
		sinks = append(sinks, rs)
	}
	return sinks, nil
}

func closeSinks(sinks []logsink.Sink, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("sink_close_failed", "error", err)
		}
	}
}

func printSummary(w io.Writer, snap journal.Snapshot) {
	if snap.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run %s\n", snap.RunID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tWORKLOAD\tSTATUS\tCOMPLETED")
	for _, g := range snap.Groups() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", g.Host, g.Workload, g.Status, g.Completed, g.Total)
	}
	_ = tw.Flush()

	counts := snap.Counts()
	parts := make([]string, 0, len(counts))
	for _, status := range []journal.Status{
		journal.StatusCompleted, journal.StatusFailed, journal.StatusUnreachable,
		journal.StatusSkipped, journal.StatusRunning, journal.StatusPending,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(string(status)), n))
		}
	}
	fmt.Fprintf(w, "tasks: %s\n", strings.Join(parts, " "))
}
