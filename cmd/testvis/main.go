// Command testvis runs a test command and records its results.
//
// Usage:
//
//	# Record a go test run
//	testvis run -- go test -json ./...
//
//	# Print the effective configuration
//	testvis config
//
// Configuration is read from .testvis.yaml and TESTVIS_* environment
// variables. See internal/config for details.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testvis/internal/config"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// metricsAddr serves /metrics and /health when set.
	metricsAddr string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "testvis",
	Short: "Record test runs",
	Long: `testvis runs a test command, records every session, suite and test it
reports, and ships the results to the configured backend.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .testvis.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError carries the exit status of the wrapped command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}
	return cfg, nil
}
