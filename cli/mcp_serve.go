package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"folderd/mcp"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Start folderd as an MCP server",
	Long: `Start folderd as an MCP (Model Context Protocol) server.

This allows AI agents to use the daemon's indexes as a native tool. The
server communicates via stdio and exposes the following tools:

  - folderd_search: Semantic search inside an indexed folder
  - folderd_status: Daemon and folder status
  - folderd_list_folders: List indexed folders
  - folderd_rescan: Re-scan a folder

The daemon must be running; the MCP server is a thin client over its
socket.

Configuration for Claude Code:
  claude mcp add folderd -- folderd mcp-serve

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "folderd": {
        "command": "folderd",
        "args": ["mcp-serve"]
      }
    }
  }`,
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	srv, err := mcp.NewServer(client)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Serve()
}
