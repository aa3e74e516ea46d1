// Package attrcache builds, from one paginated listing of the mount's
// object-store prefix, the in-memory maps that serve getattr and readdir
// without further network calls (spec.md §4.2).
package attrcache

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/retry"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// zeroSizeExtensions are reported with st_size=0 so tools that size-check
// before reading do not truncate a streaming read (spec.md §4.2); the true
// end-of-data is discovered by reading to EOF.
var zeroSizeExtensions = map[string]bool{
	".gz":   true,
	".zstd": true,
	".xz":   true,
}

// DirNode is the readdir cache entry for one directory: the set of
// immediate child directory and file names (spec.md §3 DirectoryNode).
type DirNode struct {
	ChildDirs  map[string]bool
	ChildFiles map[string]bool
}

func newDirNode() *DirNode {
	return &DirNode{ChildDirs: make(map[string]bool), ChildFiles: make(map[string]bool)}
}

// Cache is a mount's attribute and directory cache, populated once at
// mount start; every read and write of its maps holds mu.
type Cache struct {
	mu    sync.RWMutex
	files map[string]*types.FileMetadata
	dirs  map[string]*DirNode
	order []string // listing order, for the pre-opener (spec.md §4.4)
	uid   uint32
	gid   uint32
	built time.Time
}

// New returns an empty cache. Call Populate before serving any operation.
func New() *Cache {
	return &Cache{
		files: make(map[string]*types.FileMetadata),
		dirs:  make(map[string]*DirNode),
		uid:   uint32(os.Getuid()),
		gid:   uint32(os.Getgid()),
	}
}

// Populate lists every object under conv's prefix and builds the
// attribute and directory caches. It is meant to run once, at mount
// start; it is not safe to call concurrently with lookups.
func (c *Cache) Populate(ctx context.Context, backend types.Backend, conv *objectpath.Converter) error {
	var objs []types.ObjectInfo
	retryer := retry.New(retry.DefaultConfig())
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		objs, err = backend.ListObjects(ctx, conv.ListPrefix())
		return err
	})
	if err != nil {
		return fmt.Errorf("attrcache: listing %q: %w", conv.ListPrefix(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.built = time.Now()
	c.dirs["/"] = newDirNode()

	for _, obj := range objs {
		p, err := conv.PathFromKey(obj.Key)
		if err != nil {
			continue // unrepresentable key (directory marker, traversal): skip
		}
		c.insert(p, obj.Size)
	}
	return nil
}

// insert records one file at mount-relative path p, creating directory
// nodes along the way (spec.md §4.2: "for each object, split its path,
// create directory nodes along the way, attach the terminal name to the
// deepest directory's child_files").
func (c *Cache) insert(p string, size int64) {
	dir, name := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}

	c.ensureDir(dir)
	c.dirs[dir].ChildFiles[name] = true

	c.files[p] = &types.FileMetadata{
		Path:               p,
		Size:               size,
		Mode:               0100444,
		UID:                c.uid,
		GID:                c.gid,
		ModifyTime:         c.built,
		OrderedReadPending: true,
	}
	c.order = append(c.order, p)
}

// ensureDir creates dir and every ancestor not yet present, linking each
// into its parent's ChildDirs.
func (c *Cache) ensureDir(dir string) {
	if c.dirs[dir] != nil {
		return
	}
	c.dirs[dir] = newDirNode()
	if dir == "/" {
		return
	}

	parent, name := path.Split(strings.TrimSuffix(dir, "/"))
	parent = strings.TrimSuffix(parent, "/")
	if parent == "" {
		parent = "/"
	}
	c.ensureDir(parent)
	c.dirs[parent].ChildDirs[name] = true
}

// GetAttr returns the synthesized stat for path p: a file's real size
// (zeroed for the tracked compressed-log extensions), or a directory's
// fixed synthetic size. The second return is false on ENOENT.
func (c *Cache) GetAttr(p string) (*types.FileMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if fm, ok := c.files[p]; ok {
		size := fm.Size
		if zeroSizeExtensions[path.Ext(fm.Path)] {
			size = 0
		}
		out := *fm
		out.Size = size
		return &out, true
	}

	if _, ok := c.dirs[p]; ok {
		return &types.FileMetadata{
			Path:       p,
			Size:       512,
			Mode:       040444,
			UID:        c.uid,
			GID:        c.gid,
			ModifyTime: c.built,
			IsDir:      true,
		}, true
	}

	return nil, false
}

// OpenDir reports whether p is a known directory.
func (c *Cache) OpenDir(p string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.dirs[p]
	return ok
}

// ReadDir yields the direct child directory and file names of directory
// p, or ok=false if p is not a known directory.
func (c *Cache) ReadDir(p string) (dirs, files []string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	node, found := c.dirs[p]
	if !found {
		return nil, nil, false
	}
	for name := range node.ChildDirs {
		dirs = append(dirs, name)
	}
	for name := range node.ChildFiles {
		files = append(files, name)
	}
	return dirs, files, true
}

// OrderedFiles returns every file path in listing order, the order the
// pre-opener (spec.md §4.4) must honor.
func (c *Cache) OrderedFiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// MarkOpened transitions a file's ordered_read_pending flag from true to
// false on first open, regardless of whether the open was served by the
// pre-opener or opened fresh (spec.md §3).
func (c *Cache) MarkOpened(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fm, ok := c.files[p]; ok {
		fm.OrderedReadPending = false
	}
}

// IsOrderedReadPending reports a file's current ordered_read_pending flag.
func (c *Cache) IsOrderedReadPending(p string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fm, ok := c.files[p]
	return ok && fm.OrderedReadPending
}
