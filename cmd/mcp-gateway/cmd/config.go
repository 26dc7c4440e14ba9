package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/akfldk1028/mcp-gateway/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the gateway would run with, after the config
file, MCP_GATEWAY_ environment overrides and defaults have been applied.

Examples:
  mcp-gateway config
  MCP_GATEWAY_GATEWAY_SESSION_MODE=single-backend mcp-gateway config`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	return writeConfig(cmd.OutOrStdout(), cfg)
}

// writeConfig renders cfg as YAML, prefixed with the source file if any.
func writeConfig(w io.Writer, cfg *config.Config) error {
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(w, "# loaded from %s\n", file)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
