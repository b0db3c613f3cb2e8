// Package cli implements the Infergate command-line interface using
// Cobra: serve runs the daemon, pull fetches model weights, and
// status/models query a running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "infergate",
	Short: "Infergate — local inference gateway",
	Long: `Infergate fronts on-disk LLM weight files with an OpenAI-compatible
HTTP API. Named model configurations are multiplexed onto a bounded pool
of warm model instances; requests are routed to the instance that can
reuse the most of the caller's prior conversation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
