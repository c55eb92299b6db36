package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gridops/gridledger/internal/config"
)

// ============================================================================
// gridledger config: configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or generate configuration",
	Long: `Manage the gridledger configuration in <config-dir>/config.yaml. Changes
to logging.level take effect in a running server without a restart.`,
}

var configForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
	configGenerateCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.ConfigFile)
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults apply)\n", configPath)
				fmt.Println("Run 'gridledger config generate' to write a template.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		configPath := filepath.Join(configDir, config.ConfigFile)
		if _, err := os.Stat(configPath); err == nil && !configForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("[gridledger] Wrote %s\n", configPath)
		return nil
	},
}
