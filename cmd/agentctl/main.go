// Command agentctl runs one-off maintenance tasks against the agent call
// engine: schema migrations, an overdue retry sweep and dev token issuance.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Maintenance commands for the agent call engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newMigrateCmd(), newSweepCmd(), newRetryCmd(), newTokenCmd())
	return root
}
