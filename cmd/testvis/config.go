package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, environment
variables and defaults. Secrets are redacted.

Examples:
  # Show the configuration
  testvis config

  # Show the configuration of another file
  testvis config --config ci/testvis.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
	return err
}
