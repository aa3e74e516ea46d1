package types

import "time"

// ObjectInfo is metadata about an object in the store.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata"`
}

// CacheStats reports attr-cache / metadata-cache hit/miss counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int64  `json:"size"`
}

// HealthStatus is the result of a mount health probe.
type HealthStatus struct {
	Status     string            `json:"status"`
	LastCheck  time.Time         `json:"last_check"`
	Response   time.Duration     `json:"response_time"`
	ErrorCount int64             `json:"error_count"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details"`
}

// FileMetadata is the synthetic POSIX metadata the attr-cache serves for a
// mount path (spec.md §4.2): derived from ObjectInfo, never round-tripped to
// the store.
type FileMetadata struct {
	Path       string
	Size       int64
	Mode       uint32
	UID        uint32
	GID        uint32
	ModifyTime time.Time
	IsDir      bool

	// OrderedReadPending marks a file expected to be served by the
	// pre-opener (spec.md §3: FileMetadata.ordered_read_pending). It
	// transitions true -> false exactly once, on first open.
	OrderedReadPending bool
}
