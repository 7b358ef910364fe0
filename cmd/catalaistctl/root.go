package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catalaistctl",
		Short:         "CatalAIst command line tools",
		Long:          `Classify business processes over MCP and work with decision matrix files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMCPCmd(), newMatrixCmd())
	return root
}
