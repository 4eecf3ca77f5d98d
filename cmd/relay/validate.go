package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"monoklix/relay/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file without starting the server.

Checks the server catalog (URLs, tags, duplicates), the backend settings,
every timing parameter, and the telemetry section.

Examples:
  # Validate the default config
  relay validate

  # Validate a specific file
  relay validate --config /etc/relay/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("✓ Configuration valid")
	fmt.Printf("  Servers:   %d\n", len(cfg.Catalog.Servers))
	fmt.Printf("  Backend:   %s\n", cfg.Backend.Addr)
	fmt.Printf("  Listen:    %s\n", cfg.API.ListenAddress)
	fmt.Printf("  Cooldown:  %s\n", cfg.Admission.Cooldown)
	fmt.Printf("  Heartbeat: %s\n", cfg.Heartbeat.Interval)
	return nil
}
