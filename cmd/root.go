// Package cmd provides the command-line interface of the demand paging
// simulator.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "vmsim simulates demand-paged virtual memory.",
	Long: `vmsim runs synthetic processes on a simulated machine with ` +
		`demand paging, swapping and per-CPU TLBs, and checks that ` +
		`every page keeps its content.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}
