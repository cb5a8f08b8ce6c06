package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/config"
	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/plan"
	"github.com/bc-dunia/fleetbench/internal/remote"
)

// resolveConfig layers defaults, the --config file, FLEETBENCH_* variables
// and explicit flags, in that order.
func resolveConfig(cmd *cobra.Command, extra ...config.Override) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var overrides []config.Override
	if f := cmd.Flags().Lookup("output-dir"); f != nil && f.Changed {
		v := f.Value.String()
		overrides = append(overrides, func(c *config.Config) { c.OutputDir = v })
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v := f.Value.String()
		overrides = append(overrides, func(c *config.Config) { c.LogLevel = v })
	}
	overrides = append(overrides, extra...)

	cfg, err := config.Resolve(path, os.LookupEnv, overrides...)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return cfg, nil
}

// consoleLogger writes JSON to stderr. Sinks log their own delivery
// problems through it, so it never routes back into a sink.
func consoleLogger(cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// teeHandler hands every record to each handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// runLogger logs to the console and to every sink, labelling records with
// the run id.
func runLogger(cfg config.Config, console *slog.Logger, runID string, sinks []logsink.Sink) *slog.Logger {
	if len(sinks) == 0 {
		return console
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	static := logsink.NewContext(map[string]string{"run_id": runID})
	return slog.New(teeHandler{console.Handler(), logsink.NewHandler(static, level, sinks...)})
}

// buildExecutors creates the remote executors the plan needs. The returned
// func releases their connections.
func buildExecutors(cfg config.Config, p *plan.Plan, logger *slog.Logger) (remote.Executors, func(), error) {
	var execs remote.Executors
	cleanup := func() {}

	var needSSH, needWinRM bool
	for _, h := range p.Hosts {
		switch h.TransportOrDefault() {
		case plan.TransportSSH:
			needSSH = true
		case plan.TransportWinRM:
			needWinRM = true
		}
	}

	if needSSH {
		sshExec, err := remote.NewSSHExecutor(remote.SSHConfig{
			User:           cfg.SSH.User,
			Password:       cfg.SSH.Password,
			PrivateKeyPath: cfg.SSH.PrivateKeyPath,
			Port:           cfg.SSH.Port,
			Timeout:        cfg.SSH.Timeout,
		}, logger)
		if err != nil {
			return execs, cleanup, fmt.Errorf("%w: ssh: %v", errUsage, err)
		}
		execs.SSH = sshExec
		cleanup = func() {
			if err := sshExec.Close(); err != nil {
				logger.Debug("ssh_close_failed", "error", err)
			}
		}
	}
	if needWinRM {
		winrmExec, err := remote.NewWinRMExecutor(remote.WinRMConfig{
			User:     cfg.WinRM.User,
			Password: cfg.WinRM.Password,
			Port:     cfg.WinRM.Port,
			HTTPS:    cfg.WinRM.HTTPS,
			Insecure: cfg.WinRM.Insecure,
			Timeout:  cfg.WinRM.Timeout,
		}, logger)
		if err != nil {
			cleanup()
			return execs, func() {}, fmt.Errorf("%w: winrm: %v", errUsage, err)
		}
		execs.WinRM = winrmExec
	}
	return execs, cleanup, nil
}

// offsetsPath locates the offsets database.
func offsetsPath(cfg config.Config) string {
	if filepath.IsAbs(cfg.OffsetsDB) {
		return cfg.OffsetsDB
	}
	return filepath.Join(cfg.OutputDir, cfg.OffsetsDB)
}
