// Package cli implements the poemux command line interface: serving the
// proxy, inspecting a running instance and browsing the model catalog.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poemux/poemux"
)

var (
	cfgPath string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "poemux",
	Short: "Multiplexing proxy for rate-limited conversational model APIs",
	Long: `poemux multiplexes concurrent callers onto remote model APIs that
enforce a requests-per-minute ceiling.

It keeps per-session conversation history, paces admissions through a
priority token bucket with a circuit breaker, retries transient upstream
failures with jittered backoff, reassembles streamed fragments in order and
exposes health and metrics surfaces.

Quick Start:
  poemux serve                       # Run the proxy on :8080
  poemux status                      # Inspect a running instance
  poemux models                      # Browse the model catalog`,
	Version: poemux.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
