// Package mcp provides an MCP (Model Context Protocol) server for
// folderd. This allows AI agents to query the daemon's indexes as a
// native tool. All tools go through the daemon's IPC socket; the MCP
// process never touches an index directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"folderd/fmdm"
	"folderd/ipc"
)

// DaemonClient is the slice of the IPC client the MCP tools need.
type DaemonClient interface {
	Status(ctx context.Context) (*fmdm.FMDM, error)
	ListFolders(ctx context.Context) ([]fmdm.FolderConfig, error)
	Search(ctx context.Context, folder, query string, limit int) ([]ipc.SearchHit, error)
	Rescan(ctx context.Context, path string) error
}

// Server wraps the MCP server with folderd functionality.
type Server struct {
	mcpServer *server.MCPServer
	client    DaemonClient
}

// SearchResult is a lightweight struct for MCP output.
type SearchResult struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score"`
	Content   string  `json:"content"`
}

// SearchResultCompact is a minimal struct for compact output (no content field).
type SearchResultCompact struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score"`
}

// FolderStatus is one folder's state as exposed to agents.
type FolderStatus struct {
	Path         string `json:"path"`
	Model        string `json:"model"`
	Status       string `json:"status"`
	Progress     string `json:"progress,omitempty"`
	Notification string `json:"notification,omitempty"`
}

// DaemonStatus summarizes the daemon snapshot for agents.
type DaemonStatus struct {
	Version     uint64         `json:"version"`
	PID         int            `json:"pid"`
	Uptime      string         `json:"uptime"`
	Connections int            `json:"connections"`
	Folders     []FolderStatus `json:"folders"`
	ModelCheck  string         `json:"model_check,omitempty"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates a new MCP server backed by the given daemon client.
func NewServer(client DaemonClient) (*Server, error) {
	if client == nil {
		return nil, fmt.Errorf("mcp server requires a daemon client")
	}
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"folderd",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.registerTools()
	return s, nil
}

// registerTools registers all folderd tools with the MCP server.
func (s *Server) registerTools() {
	searchTool := mcp.NewTool("folderd_search",
		mcp.WithDescription("Semantic search inside a folder the daemon indexes. Returns the most relevant chunks with file paths, line numbers, and similarity scores."),
		mcp.WithString("folder",
			mcp.Required(),
			mcp.Description("Absolute path of the indexed folder to search"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query (e.g., 'user authentication flow', 'error handling middleware')"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 10)"),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Return minimal output without content (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	statusTool := mcp.NewTool("folderd_status",
		mcp.WithDescription("Check the daemon's status: every indexed folder with its lifecycle state and progress, plus daemon health."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(statusTool, s.handleStatus)

	listTool := mcp.NewTool("folderd_list_folders",
		mcp.WithDescription("List the folders the daemon indexes, with their embedding models and states."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(listTool, s.handleListFolders)

	rescanTool := mcp.NewTool("folderd_rescan",
		mcp.WithDescription("Ask the daemon to re-scan a folder and index any changes."),
		mcp.WithString("folder",
			mcp.Required(),
			mcp.Description("Absolute path of the indexed folder to re-scan"),
		),
	)
	s.mcpServer.AddTool(rescanTool, s.handleRescan)
}

// handleSearch handles the folderd_search tool call.
func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder, err := request.RequireString("folder")
	if err != nil {
		return mcp.NewToolResultError("folder parameter is required"), nil
	}
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	compact := request.GetBool("compact", false)
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	hits, err := s.client.Search(ctx, folder, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	var data any
	if compact {
		results := make([]SearchResultCompact, len(hits))
		for i, h := range hits {
			results[i] = SearchResultCompact{
				FilePath:  h.FilePath,
				StartLine: h.StartLine,
				EndLine:   h.EndLine,
				Score:     h.Score,
			}
		}
		data = results
	} else {
		results := make([]SearchResult, len(hits))
		for i, h := range hits {
			results[i] = SearchResult{
				FilePath:  h.FilePath,
				StartLine: h.StartLine,
				EndLine:   h.EndLine,
				Score:     h.Score,
				Content:   h.Content,
			}
		}
		data = results
	}

	output, err := encodeOutput(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleStatus handles the folderd_status tool call.
func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	snapshot, err := s.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get daemon status: %v", err)), nil
	}

	status := DaemonStatus{
		Version:     snapshot.Version,
		PID:         snapshot.Daemon.PID,
		Uptime:      (time.Duration(snapshot.Daemon.UptimeSeconds) * time.Second).String(),
		Connections: snapshot.Connections.Count,
		Folders:     foldersToStatus(snapshot.Folders),
	}
	if snapshot.ModelCheck != nil && snapshot.ModelCheck.Error != "" {
		status.ModelCheck = snapshot.ModelCheck.Error
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleListFolders handles the folderd_list_folders tool call.
func (s *Server) handleListFolders(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	folders, err := s.client.ListFolders(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list folders: %v", err)), nil
	}

	output, err := encodeOutput(foldersToStatus(folders), format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode folders: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleRescan handles the folderd_rescan tool call.
func (s *Server) handleRescan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder, err := request.RequireString("folder")
	if err != nil {
		return mcp.NewToolResultError("folder parameter is required"), nil
	}

	if err := s.client.Rescan(ctx, folder); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rescan failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rescan of %s scheduled", folder)), nil
}

func foldersToStatus(folders []fmdm.FolderConfig) []FolderStatus {
	out := make([]FolderStatus, len(folders))
	for i, f := range folders {
		fs := FolderStatus{
			Path:   f.Path,
			Model:  f.Model,
			Status: string(f.Status),
		}
		if p := activeProgress(f); p != nil {
			fs.Progress = fmt.Sprintf("%s %d/%d (%d%%)", p.Phase, p.Processed, p.Total, p.Percentage)
		}
		if f.Notification != nil {
			fs.Notification = f.Notification.Message
		}
		out[i] = fs
	}
	return out
}

// activeProgress picks the progress block matching the folder's phase.
func activeProgress(f fmdm.FolderConfig) *fmdm.Progress {
	switch f.Status {
	case fmdm.StatusDownloadingModel:
		return f.DownloadProgress
	case fmdm.StatusScanning:
		return f.ScanningProgress
	case fmdm.StatusReady, fmdm.StatusIndexing:
		return f.Progress
	default:
		return nil
	}
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}
