// Command gateway runs and administers the MCP gateway. Command tree
// grounded on the teacher's cmd/brum/main.go root-command + flag style
// (cobra.Command with package-level flag variables bound in init).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	adminAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "MCP gateway — a reverse proxy mediating streaming JSON-RPC flows to upstream MCP servers",
	Long: `gateway mediates long-lived bidirectional JSON-RPC flows between clients and
upstream MCP servers over SSE, WebSocket, NDJSON, and STDIO, with a rule-based
stream policy engine, per-upstream circuit breakers, and a pluggable load
balancer.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to gateway.toml (defaults to ~/.mcp-gateway/gateway.toml)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://localhost:8080", "gateway admin HTTP base URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lbCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(breakerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
