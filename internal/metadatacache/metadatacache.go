// Package metadatacache implements the CLP sequential-read mount's reader
// side: a background downloader thread that fetches an archive's merged
// metadata object, splits it into per-file byte slices, and a polling
// getter the FUSE handlers block on while waiting for those slices to
// appear (spec.md §4.5).
package metadatacache

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clp-compress/s3fuse/internal/metadatacontainer"
	"github.com/clp-compress/s3fuse/pkg/retry"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// PollInterval is how often Get re-checks for an entry while waiting.
const PollInterval = 50 * time.Millisecond

// WarnInterval is how often Get logs a warning while still waiting.
const WarnInterval = 1 * time.Second

// Request is one archive's download job: its merged-metadata key.
type Request struct {
	Archive   string
	MergedKey string
}

// Cache is, for merged objects at or below maxFileSize, purely an
// in-memory keyed store mapping "/<archive>/<metadata-filename>" to its
// byte slice (spec.md §3): archive metadata is immutable and lives for the
// mount's lifetime, so there is no eviction to manage. Above maxFileSize it
// spills the canonical files to individual scratch files under spillDir
// instead of holding the whole archive in memory (config.CacheConfig's
// MaxFileSize).
type Cache struct {
	mu       sync.RWMutex
	entries  map[string][]byte
	sizes    map[string]int64
	spilled  map[string]string // key -> scratch file path
	pending  map[string]bool
	requests chan Request
	shutdown chan struct{}

	backend     types.Backend
	logger      *slog.Logger
	maxFileSize int64
	spillDir    string
}

// New returns a Cache with a bounded request queue of the given capacity.
// maxFileSize is the merged-object size cutoff above which archive bodies
// are spilled to scratch files under spillDir instead of kept in memory; a
// maxFileSize of 0 disables the cutoff (always keep in memory).
func New(backend types.Backend, logger *slog.Logger, queueSize int, maxFileSize int64, spillDir string) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:     make(map[string][]byte),
		sizes:       make(map[string]int64),
		spilled:     make(map[string]string),
		pending:     make(map[string]bool),
		requests:    make(chan Request, queueSize),
		shutdown:    make(chan struct{}),
		backend:     backend,
		logger:      logger,
		maxFileSize: maxFileSize,
		spillDir:    spillDir,
	}
}

// Enqueue requests a background fetch of archive's merged-metadata
// object, if it is not already cached or in flight. It never blocks the
// caller (the getattr handler): a full request queue silently drops the
// request, which will be retried on the archive's next getattr.
func (c *Cache) Enqueue(archive, mergedKey string) {
	c.mu.Lock()
	if c.pending[archive] || c.haveAllLocked(archive) {
		c.mu.Unlock()
		return
	}
	c.pending[archive] = true
	c.mu.Unlock()

	select {
	case c.requests <- Request{Archive: archive, MergedKey: mergedKey}:
	default:
		c.mu.Lock()
		delete(c.pending, archive)
		c.mu.Unlock()
	}
}

func (c *Cache) haveAllLocked(archive string) bool {
	for _, name := range metadatacontainer.CanonicalOrder {
		key := archive + "/" + name
		if _, ok := c.entries[key]; ok {
			continue
		}
		if _, ok := c.spilled[key]; ok {
			continue
		}
		return false
	}
	return true
}

// Run is the metadata downloader thread body: it dequeues requests and
// fetches each archive's merged object until Stop is called.
func (c *Cache) Run(ctx context.Context) {
	for {
		select {
		case req := <-c.requests:
			if err := c.download(ctx, req); err != nil {
				c.logger.Warn("metadata download failed", "archive", req.Archive, "error", err)
			}
			c.mu.Lock()
			delete(c.pending, req.Archive)
			c.mu.Unlock()
		case <-c.shutdown:
			return
		}
	}
}

// Stop signals the downloader thread to exit.
func (c *Cache) Stop() {
	close(c.shutdown)
}

// download fetches req's merged object, reads the (N-1)-entry
// little-endian u32 offset header, and slices the remaining stream into
// the N canonical files, inserting each into the cache in canonical
// order (spec.md §5: "Metadata-file entries for a given archive become
// visible in the cache strictly in the canonical file order"). Archives
// whose merged object exceeds maxFileSize are spilled to scratch files
// under spillDir instead of held in memory.
func (c *Cache) download(ctx context.Context, req Request) error {
	spill := c.maxFileSize > 0
	if spill {
		var info *types.ObjectInfo
		retryer := retry.New(retry.DefaultConfig())
		headErr := retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var err error
			info, err = c.backend.HeadObject(ctx, req.MergedKey)
			return err
		})
		if headErr == nil && info.Size <= c.maxFileSize {
			spill = false
		}
	}

	stream, err := c.backend.OpenReadStream(ctx, req.MergedKey, 0, -1)
	if err != nil {
		return fmt.Errorf("metadatacache: opening %q: %w", req.MergedKey, err)
	}
	defer stream.Close()

	names := metadatacontainer.CanonicalOrder
	n := len(names)
	headerLen := 4 * (n - 1)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(stream, header); err != nil {
		return fmt.Errorf("metadatacache: reading header of %q: %w", req.MergedKey, err)
	}

	offsets := make([]uint32, n-1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(header[i*4 : i*4+4])
	}

	var scratchDir string
	if spill {
		scratchDir = filepath.Join(c.spillDir, req.Archive)
		if err := os.MkdirAll(scratchDir, 0750); err != nil {
			return fmt.Errorf("metadatacache: creating spill dir for %q: %w", req.Archive, err)
		}
	}

	prevEnd := uint32(headerLen)
	for i := 0; i < n-1; i++ {
		size := offsets[i] - prevEnd
		if err := c.storeBody(scratchDir, req.Archive+"/"+names[i], names[i], io.LimitReader(stream, int64(size)), int64(size), spill); err != nil {
			return fmt.Errorf("metadatacache: reading %q body %d: %w", req.MergedKey, i, err)
		}
		prevEnd = offsets[i]
	}

	// The last file extends to EOF (spec.md §3).
	if err := c.storeBody(scratchDir, req.Archive+"/"+names[n-1], names[n-1], stream, -1, spill); err != nil {
		return fmt.Errorf("metadatacache: reading %q final body: %w", req.MergedKey, err)
	}

	return nil
}

// storeBody persists one canonical file's body, either into the in-memory
// entries map or, when spill is true, into a scratch file under
// scratchDir, and records its size either way.
func (c *Cache) storeBody(scratchDir, key, name string, r io.Reader, knownSize int64, spill bool) error {
	if !spill {
		var data []byte
		var err error
		if knownSize >= 0 {
			data = make([]byte, knownSize)
			_, err = io.ReadFull(r, data)
		} else {
			data, err = io.ReadAll(r)
		}
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		c.insert(key, data)
		return nil
	}

	path := filepath.Join(scratchDir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	written, err := io.Copy(f, r)
	if err != nil {
		return err
	}
	c.insertSpilled(key, path, written)
	return nil
}

func (c *Cache) insert(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	c.sizes[key] = int64(len(data))
}

func (c *Cache) insertSpilled(key, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spilled[key] = path
	c.sizes[key] = size
}

// Get blocks until key is present in the cache, polling at PollInterval
// and logging a warning every WarnInterval while waiting (spec.md §4.5),
// then returns length bytes starting at offset.
func (c *Cache) Get(ctx context.Context, key string, length int, offset int64) ([]byte, error) {
	waited := time.Duration(0)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		c.mu.RLock()
		data, ok := c.entries[key]
		path, spilled := c.spilled[key]
		c.mu.RUnlock()
		if ok {
			return sliceRange(data, length, offset), nil
		}
		if spilled {
			return readSpilledRange(path, length, offset)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			waited += PollInterval
			if waited%WarnInterval == 0 {
				c.logger.Warn("still waiting for metadata entry", "key", key, "waited", waited)
			}
		}
	}
}

// Size returns key's true size once downloaded.
func (c *Cache) Size(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	size, ok := c.sizes[key]
	return size, ok
}

func sliceRange(data []byte, length int, offset int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	end := offset + int64(length)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}

func readSpilledRange(path string, length int, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadatacache: opening spilled file %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("metadatacache: reading spilled file %q: %w", path, err)
	}
	return buf[:n], nil
}
