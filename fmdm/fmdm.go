// Package fmdm defines the folder-management data model: the versioned,
// immutable snapshot of daemon state that is distributed to every
// connected client, and the value types that appear inside it.
package fmdm

import "time"

// FolderStatus is the lifecycle state of one watched folder.
type FolderStatus string

const (
	StatusPending          FolderStatus = "pending"
	StatusDownloadingModel FolderStatus = "downloading-model"
	StatusScanning         FolderStatus = "scanning"
	StatusReady            FolderStatus = "ready"
	StatusIndexing         FolderStatus = "indexing"
	StatusIndexed          FolderStatus = "indexed"
	StatusActive           FolderStatus = "active"
	StatusWatching         FolderStatus = "watching"
	StatusError            FolderStatus = "error"
)

// NotificationType is the severity of a folder notification.
type NotificationType string

const (
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
	NotificationInfo    NotificationType = "info"
)

// Notification is a user-visible message attached to a folder.
type Notification struct {
	Message string           `json:"message"`
	Type    NotificationType `json:"type"`
}

// Progress reports how far a phase has advanced. During scanning the
// counts are files, during indexing they are tasks, during model download
// they are bytes.
type Progress struct {
	Phase      string `json:"phase"`
	Processed  int64  `json:"processed"`
	Total      int64  `json:"total"`
	Percentage int    `json:"percentage"`
}

// Percent computes a 0-100 percentage, clamped, with 100 reserved for a
// fully processed total.
func Percent(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(processed * 100 / total)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// FolderConfig is the per-folder view at the client boundary.
type FolderConfig struct {
	Path             string        `json:"path"`
	Model            string        `json:"model"`
	Status           FolderStatus  `json:"status"`
	Progress         *Progress     `json:"progress,omitempty"`
	DownloadProgress *Progress     `json:"download_progress,omitempty"`
	ScanningProgress *Progress     `json:"scanning_progress,omitempty"`
	Notification     *Notification `json:"notification,omitempty"`
}

// DaemonInfo describes the daemon process itself.
type DaemonInfo struct {
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// ClientInfo describes one connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"` // tui | cli | web | mcp
	ConnectedAt time.Time `json:"connected_at"`
}

// Connections summarizes the live client set.
type Connections struct {
	Count   int          `json:"count"`
	Clients []ClientInfo `json:"clients"`
}

// CuratedModel is an entry of the embedding model catalog shipped with
// the daemon.
type CuratedModel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	Dimensions int    `json:"dimensions"`
}

// ModelCheckStatus records the last model availability probe.
type ModelCheckStatus struct {
	CheckedAt time.Time `json:"checked_at"`
	Available []string  `json:"available,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// FMDM is the complete daemon snapshot. It is a value object: every
// change anywhere in the daemon produces a new FMDM with a strictly
// larger Version. Consumers must treat it as read-only.
type FMDM struct {
	Version       uint64            `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Folders       []FolderConfig    `json:"folders"`
	Daemon        DaemonInfo        `json:"daemon"`
	Connections   Connections       `json:"connections"`
	CuratedModels []CuratedModel    `json:"curated_models"`
	ModelCheck    *ModelCheckStatus `json:"model_check_status,omitempty"`
}

// Folder returns the entry for path, or nil if the snapshot does not
// contain it.
func (f FMDM) Folder(path string) *FolderConfig {
	for i := range f.Folders {
		if f.Folders[i].Path == path {
			return &f.Folders[i]
		}
	}
	return nil
}
