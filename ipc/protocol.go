// Package ipc carries the daemon's wire protocol: newline-delimited JSON
// envelopes over a Unix domain socket. Clients send requests with
// correlation ids; the daemon answers them and, independently, pushes
// fmdm.update messages whenever the folder model changes.
package ipc

import (
	"encoding/json"

	"folderd/fmdm"
)

// Envelope message types.
const (
	TypeHello    = "hello"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeFMDM     = "fmdm.update"
)

// Request operations.
const (
	OpPing         = "ping"
	OpDaemonStatus = "daemon.status"
	OpFolderAdd    = "folder.add"
	OpFolderRemove = "folder.remove"
	OpFolderList   = "folder.list"
	OpFolderRescan = "folder.rescan"
	OpSearch       = "search"
)

// Envelope is the single frame type on the wire. Type selects which
// fields are meaningful: requests and responses pair by ID, pushes have
// neither ID nor Op.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Hello is the first message a client sends; it identifies the client
// type shown in the FMDM connections block.
type Hello struct {
	ClientType string `json:"client_type"`
}

// FolderRequest addresses one folder, optionally with a model override
// for folder.add.
type FolderRequest struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

// FolderListResponse is the reply to folder.list.
type FolderListResponse struct {
	Folders []fmdm.FolderConfig `json:"folders"`
}

// StatusResponse is the reply to daemon.status: the current snapshot.
type StatusResponse struct {
	FMDM fmdm.FMDM `json:"fmdm"`
}

// SearchRequest runs a semantic query against one folder's index.
type SearchRequest struct {
	Folder string `json:"folder"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchHit is one search result row.
type SearchHit struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Content   string  `json:"content"`
	Score     float32 `json:"score"`
}

// SearchResponse is the reply to search.
type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}
