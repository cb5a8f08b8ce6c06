package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/controller"
)

var version = "dev"

// Exit codes reported by the fleetbench binary.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetbench",
		Short:         "Run benchmark plans across a fleet of hosts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML configuration file")
	root.PersistentFlags().String("output-dir", "", "directory holding per-run output")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(), newTailCmd(), newPlanCmd(), newPruneCmd())
	return root
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case controller.IsInterrupted(err):
		return exitInterrupted
	case controller.IsConfig(err), errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

var errUsage = errors.New("usage error")
