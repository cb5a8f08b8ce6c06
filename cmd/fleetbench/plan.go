package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/fleetbench/internal/plan"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect benchmark plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a plan file against the plan schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan ok: %d hosts, %d workloads, %d tasks\n",
				len(p.Hosts), len(p.Workloads), len(p.Tasks()))
			return nil
		},
	})
	return cmd
}
