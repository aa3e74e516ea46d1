package fuse

import (
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/clp-compress/s3fuse/pkg/types"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// fillAttrOut copies a synthesized FileMetadata (spec.md §3, §4.2) into a
// FUSE attribute response, shared by all three mount variants' Getattr
// handlers.
func fillAttrOut(out *fuse.AttrOut, fm *types.FileMetadata) {
	out.Mode = fm.Mode
	out.Size = safeInt64ToUint64(fm.Size)
	out.Uid = fm.UID
	out.Gid = fm.GID

	t := safeInt64ToUint64(fm.ModifyTime.Unix())
	out.Mtime = t
	out.Atime = t
	out.Ctime = t
}

// recordOp reports one completed operation to metrics, if a collector was
// configured, and additionally records an error count on failure. metrics
// is nil in a platform build that wires none in (or in tests), so every
// call site must go through here rather than calling the interface
// directly.
func recordOp(metrics types.MetricsCollector, operation string, start time.Time, size int64, err error) {
	if metrics == nil {
		return
	}
	metrics.RecordOperation(operation, time.Since(start), size, err == nil)
	if err != nil {
		metrics.RecordError(operation, err)
	}
}

// statsBox is a mutex-guarded FilesystemStats shared by the mount
// variants' handler methods.
type statsBox struct {
	mu    sync.Mutex
	stats FilesystemStats
}

func (b *statsBox) inc(f func(*FilesystemStats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(&b.stats)
}

func (b *statsBox) snapshot() FilesystemStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
