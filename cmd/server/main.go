// Package main is the entry point of the collaboration server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "drive-collab",
	Short:        "Real-time collaborative document editing server",
	SilenceUsage: true,
}

// Run executes the command line.
func Run() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	serverCmd := newServerCmd()
	rootCmd.AddCommand(serverCmd)

	// running the binary without a sub command starts the server
	rootCmd.RunE = serverCmd.RunE
	rootCmd.Flags().AddFlagSet(serverCmd.Flags())
}

func main() {
	os.Exit(Run())
}
