// Toolgate — sandboxing aggregation proxy for MCP tool servers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate — sandboxing aggregation proxy for MCP tool servers.",
	Long: `Toolgate sits between MCP clients and a fleet of tool servers. Every server
runs inside a platform-enforced sandbox, requests are routed by name or tag
over a single HTTP endpoint, and the fleet reconfigures atomically when the
config file changes — without restarting the proxy.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
