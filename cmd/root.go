// Package cmd defines and implements the CLI commands for the comfydeploy executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comfydeploy",
		Short: "A remote execution API for node-graph workflows.",
		Long: `comfydeploy fronts a node-graph execution engine with an HTTP API.
It accepts workflow submissions, tracks per-node execution progress, and
delivers lifecycle and progress updates over websockets and webhook
callbacks.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, env vars apply either way)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
