// Package cmd defines and implements the CLI commands for the sitegrade executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitegrade",
		Short: "A website-quality analysis service.",
		Long: `sitegrade ingests URLs, runs a battery of independent quality
analyzers against each, and aggregates per-URL scores into job results
exposed over an HTTP API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
