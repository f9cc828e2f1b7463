package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/pkg/adapters/mcp"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes journey validation, status and ticks to AI agents as MCP tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			srv := mcp.NewServer(rt.Engine, mcp.WithLogger(rt.Logger))

			switch transport {
			case "stdio":
				// Logs go to stderr so they don't corrupt JSON-RPC on stdout.
				rt.Logger.Info("Starting itinerary MCP server (stdio)")
				return srv.ServeStdio()
			case "sse":
				addr := rt.Config.MCPAddr
				if cmd.Flags().Changed("addr") || addr == "" {
					addr, _ = cmd.Flags().GetString("addr")
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := srv.ServeSSE(ctx, addr); err != nil {
					return err
				}
				rt.Logger.Info("MCP server stopped gracefully")
				return nil
			default:
				return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", ":8081", "Address to listen on, SSE only (env ITINERARY_MCP_ADDR)")
}
