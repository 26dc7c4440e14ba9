// Package cmd provides the CLI commands for the MCP gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akfldk1028/mcp-gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "MCP Gateway - HTTP front door for MCP servers",
	Long: `MCP Gateway lets browser clients talk to Model Context Protocol servers
that only speak stdio, SSE or Streamable HTTP.

Each client session gets its own backend, chosen per request with the
transportType, command, args, env and url query parameters.

Quick start:
  1. Run: mcp-gateway serve
  2. Connect an MCP client to http://127.0.0.1:3000/mcp?transportType=stdio&command=...

Configuration:
  Config is loaded from mcp-gateway.yaml in the current directory,
  $HOME/.mcp-gateway/, or /etc/mcp-gateway/.

  Environment variables can override config values with the MCP_GATEWAY_ prefix.
  Example: MCP_GATEWAY_SERVER_HTTP_ADDR=0.0.0.0:9090

Commands:
  serve       Start the gateway
  stop        Stop the running gateway
  config      Print the effective configuration
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcp-gateway.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
