package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/config"
	"github.com/bc-dunia/fleetbench/internal/offsets"
	"github.com/bc-dunia/fleetbench/internal/retention"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired run directories and their offsets",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
	cmd.Flags().Int("ttl-hours", 0, "remove runs older than this many hours (default from config)")
	return cmd
}

func runPrune(cmd *cobra.Command, _ []string) error {
	var extra []config.Override
	if cmd.Flags().Changed("ttl-hours") {
		v, _ := cmd.Flags().GetInt("ttl-hours")
		extra = append(extra, func(c *config.Config) { c.Retention.RunsTTLHours = v })
	}
	cfg, err := resolveConfig(cmd, extra...)
	if err != nil {
		return err
	}
	logger := consoleLogger(cfg)

	if _, err := os.Stat(cfg.OutputDir); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing to prune in %s\n", cfg.OutputDir)
		return nil
	}

	store, err := offsets.OpenSQLiteStore(cmd.Context(), offsetsPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	report := retention.NewManager(cfg.RetentionPolicy(), cfg.OutputDir, store, logger).RunCleanupNow(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs, %d offsets\n", len(report.DeletedRuns), report.PrunedOffsets)
	return nil
}
