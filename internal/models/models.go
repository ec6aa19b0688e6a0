package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type (
	Config struct {
		// Paths
		SavePath     string `toml:"SavePath"`
		DatabasePath string `toml:"DatabasePath"`
		IndexPath    string `toml:"IndexPath"`

		// Scheduler behavior
		Concurrency        int `toml:"Concurrency"`
		MaxRetries         int `toml:"MaxRetries"`
		RetryDelayMs       int `toml:"RetryDelayMs"`
		ProgressIntervalMs int `toml:"ProgressIntervalMs"`

		// Metadata cache behavior
		CacheRetentionDays int  `toml:"CacheRetentionDays"`
		CacheSyncDays      int  `toml:"CacheSyncDays"`
		MaxCacheSizeMB     int  `toml:"MaxCacheSizeMB"` // 0 = unlimited
		AutoSync           bool `toml:"AutoSync"`

		// API behavior
		ApiDelayMs          int  `toml:"ApiDelayMs"`
		ApiClientTimeoutSec int  `toml:"ApiClientTimeoutSec"`
		LogApiRequests      bool `toml:"LogApiRequests"`
	}

	// DownloadTask is the durable record of a single file download. The
	// task store is the single source of truth for these; the scheduler
	// only ever holds them by ID.
	DownloadTask struct {
		ID           string       `json:"id"`
		Identifier   string       `json:"identifier"`
		FileName     string       `json:"fileName"`
		SourceURL    string       `json:"sourceUrl"`
		TargetPath   string       `json:"targetPath"`
		Status       TaskStatus   `json:"status"`
		Priority     TaskPriority `json:"priority"`
		TotalBytes   int64        `json:"totalBytes"`
		PartialBytes int64        `json:"partialBytes"`
		ErrorMessage string       `json:"errorMessage,omitempty"`
		RetryCount   int          `json:"retryCount"`
		Hashes       Hashes       `json:"hashes"`
		CreatedAt    time.Time    `json:"createdAt"`
		CompletedAt  time.Time    `json:"completedAt,omitempty"`
	}

	// Hashes holds the checksums known for a file. MD5, SHA1 and CRC32
	// come from the archive metadata API; BLAKE3 is computed locally
	// after a completed download for fast later re-verification.
	Hashes struct {
		MD5    string `json:"md5,omitempty"`
		SHA1   string `json:"sha1,omitempty"`
		CRC32  string `json:"crc32,omitempty"`
		BLAKE3 string `json:"blake3,omitempty"`
	}

	// DownloadProgress is the ephemeral per-task progress snapshot
	// published by the progress tracker. Nil fields mean "unknown".
	DownloadProgress struct {
		Done          int64    `json:"done"`
		Total         int64    `json:"total"`
		Progress      *float64 `json:"progress,omitempty"`
		TransferSpeed *float64 `json:"transferSpeed,omitempty"` // bytes/sec
		EtaSeconds    *int64   `json:"etaSeconds,omitempty"`
	}

	// CacheEntry is one cached archive item metadata blob.
	CacheEntry struct {
		Identifier string          `json:"identifier"`
		Payload    json.RawMessage `json:"payload"`
		FetchedAt  time.Time       `json:"fetchedAt"`
		Pinned     bool            `json:"pinned"`
		SizeBytes  int64           `json:"sizeBytes"`
	}

	// --- archive.org /metadata/<identifier> response structures ---

	ItemMetadata struct {
		Identifier  string   `json:"identifier"`
		Title       AnyField `json:"title"`
		Creator     AnyField `json:"creator"`
		Description AnyField `json:"description"`
		MediaType   string   `json:"mediatype"`
		Collection  AnyField `json:"collection"`
		Date        string   `json:"date"`
	}

	ItemFile struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		Format string `json:"format"`
		Size   string `json:"size"` // API reports sizes as strings
		MD5    string `json:"md5"`
		SHA1   string `json:"sha1"`
		CRC32  string `json:"crc32"`
	}

	MetadataResponse struct {
		Metadata        ItemMetadata `json:"metadata"`
		Files           []ItemFile   `json:"files"`
		Server          string       `json:"server"`
		Dir             string       `json:"dir"`
		ItemSize        int64        `json:"item_size"`
		FilesCount      int          `json:"files_count"`
		IsDark          bool         `json:"is_dark"`
		WorkableServers []string     `json:"workable_servers"`
	}
)

// TaskStatus is the lifecycle state of a download task. The values are
// mutually exclusive; transitions are validated by the scheduler.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
	StatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one the scheduler never
// leaves on its own. Completed and cancelled tasks are not auto-resumable.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the task currently occupies, or is eligible
// for, a worker slot.
func (s TaskStatus) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading
}

// TaskPriority orders queued tasks; a higher value is served first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 10
	PriorityHigh   TaskPriority = 20
)

// AnyField absorbs archive metadata fields that may be either a single
// string or a list of strings depending on the item.
type AnyField string

func (f *AnyField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = AnyField(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) > 0 {
			*f = AnyField(list[0])
		} else {
			*f = ""
		}
		return nil
	}
	return fmt.Errorf("field is neither string nor []string: %s", string(data))
}

func (f AnyField) String() string { return string(f) }

// SizeBytes parses the string-typed size the metadata API reports.
// Returns 0 when absent or unparseable.
func (f ItemFile) SizeBytes() int64 {
	if f.Size == "" {
		return 0
	}
	n, err := strconv.ParseInt(f.Size, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

const ArchiveBaseUrl = "https://archive.org"

// DownloadURL builds the direct download URL for a file within an item.
func DownloadURL(identifier, fileName string) string {
	return fmt.Sprintf("%s/download/%s/%s", ArchiveBaseUrl, url.PathEscape(identifier), url.PathEscape(fileName))
}

// MetadataURL builds the metadata API URL for an item.
func MetadataURL(identifier string) string {
	return fmt.Sprintf("%s/metadata/%s", ArchiveBaseUrl, url.PathEscape(identifier))
}

// TorrentURL builds the URL of the item's generated .torrent file.
func TorrentURL(identifier string) string {
	return fmt.Sprintf("%s/download/%s/%s_archive.torrent", ArchiveBaseUrl, url.PathEscape(identifier), url.PathEscape(identifier))
}
