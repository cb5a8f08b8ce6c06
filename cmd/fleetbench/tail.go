package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/offsets"
	"github.com/bc-dunia/fleetbench/internal/tailer"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a task log and print its status events",
		Long: `Follow a task log file, printing each status event for the selected
workload repetition as one JSON line. The follow ends on a terminal status,
when the stop file appears, or on SIGINT.`,
		Args: cobra.NoArgs,
		RunE: runTail,
	}
	cmd.Flags().String("file", "", "log file to follow (required)")
	cmd.Flags().String("workload", "", "only report events for this workload")
	cmd.Flags().Int("repetition", 0, "only report events for this repetition")
	cmd.Flags().Duration("interval", 0, "poll interval (default from config)")
	cmd.Flags().String("stop-file", "", "end the follow once this file exists")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	path, _ := flags.GetString("file")
	workload, _ := flags.GetString("workload")
	repetition, _ := flags.GetInt("repetition")
	stopFile, _ := flags.GetString("stop-file")
	interval, _ := flags.GetDuration("interval")
	if interval <= 0 {
		interval = cfg.Tailer.PollInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	logger := consoleLogger(cfg)
	t, err := tailer.New(tailer.Config{
		Path:             path,
		Consumer:         "cli",
		Workload:         workload,
		Repetition:       repetition,
		TerminalStatuses: cfg.Tailer.TerminalStatuses,
		StopFile:         stopFile,
	}, offsets.NewMemoryStore(), logger)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	var encErr error
	err = t.Run(ctx, interval, func(res tailer.PollResult) {
		for _, ev := range res.Events {
			if encErr == nil {
				encErr = enc.Encode(ev)
			}
		}
		if res.Stopped {
			logger.Info("tail_stopped", "stop_file", stopFile)
		}
	})
	if encErr != nil {
		return encErr
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
