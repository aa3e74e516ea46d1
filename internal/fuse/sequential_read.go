package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/internal/preopener"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// SequentialReadFS implements the sequential-read mount variant (spec.md
// §4.4): a listing populated once into an attribute cache at mount start,
// and file opens served by a pre-opener thread that stages object streams
// ahead of demand in listing order. The mount is read-only.
type SequentialReadFS struct {
	backend types.Backend
	cache   *attrcache.Cache
	conv    *objectpath.Converter
	opener  *preopener.PreOpener
	metrics types.MetricsCollector

	openMu sync.Mutex
	opened map[string]bool // fuse paths with a live stream (EBUSY guard)

	statsBox
}

// NewSequentialReadFS returns a SequentialReadFS whose attribute cache has
// already been populated by cache.Populate.
func NewSequentialReadFS(backend types.Backend, conv *objectpath.Converter, cache *attrcache.Cache, queueSize int, metrics types.MetricsCollector) *SequentialReadFS {
	return &SequentialReadFS{
		backend: backend,
		cache:   cache,
		conv:    conv,
		opener:  preopener.New(cache, backend, conv, queueSize),
		metrics: metrics,
		opened:  make(map[string]bool),
	}
}

func (s *SequentialReadFS) markOpen(path string) bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened[path] {
		return false
	}
	s.opened[path] = true
	return true
}

func (s *SequentialReadFS) clearOpen(path string) {
	s.openMu.Lock()
	delete(s.opened, path)
	s.openMu.Unlock()
}

// Root returns the mount's root directory node.
func (s *SequentialReadFS) Root() fs.InodeEmbedder {
	return &seqDirNode{owner: s, path: "/"}
}

// Stats returns a snapshot of the operation counters.
func (s *SequentialReadFS) Stats() FilesystemStats {
	return s.snapshot()
}

// Start launches the pre-opener thread (spec.md §4.7).
func (s *SequentialReadFS) Start(ctx context.Context) {
	go s.opener.Run(ctx)
}

// Shutdown signals the pre-opener thread to exit.
func (s *SequentialReadFS) Shutdown() {
	s.opener.Stop()
}

// openStream dispatches a file open to the pre-opener's ordered path while
// the file is still expected in listing order, falling back to the
// unordered drain-all path once it has lost that expectation (spec.md
// §4.4, §9 Open Question i).
func (s *SequentialReadFS) openStream(ctx context.Context, path string) (*preopener.Stream, error) {
	if s.cache.IsOrderedReadPending(path) {
		return s.opener.OpenOrdered(ctx, path)
	}
	return s.opener.OpenUnordered(ctx, path)
}

func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// seqDirNode is a directory node backed purely by the attribute cache.
type seqDirNode struct {
	fs.Inode
	owner *SequentialReadFS
	path  string
}

func (n *seqDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.owner.inc(func(s *FilesystemStats) { s.Lookups++ })

	p := childPath(n.path, name)
	fm, ok := n.owner.cache.GetAttr(p)
	if !ok {
		n.owner.inc(func(s *FilesystemStats) { s.CacheMisses++ })
		return nil, syscall.ENOENT
	}
	n.owner.inc(func(s *FilesystemStats) { s.CacheHits++ })

	if fm.IsDir {
		return n.NewInode(ctx, &seqDirNode{owner: n.owner, path: p}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	return n.NewInode(ctx, &seqFileNode{owner: n.owner, path: p}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (n *seqDirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fm, ok := n.owner.cache.GetAttr(n.path)
	if !ok {
		return syscall.ENOENT
	}
	fillAttrOut(out, fm)
	return 0
}

func (n *seqDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirs, files, ok := n.owner.cache.ReadDir(n.path)
	if !ok {
		return nil, syscall.ENOENT
	}

	entries := make([]fuse.DirEntry, 0, len(dirs)+len(files))
	for _, d := range dirs {
		entries = append(entries, fuse.DirEntry{Name: d, Mode: fuse.S_IFDIR})
	}
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: f, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir, Create: the sequential-read mount is read-only.
func (n *seqDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *seqDirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

// seqFileNode is a file node backed by the attribute cache and opened
// through the pre-opener.
type seqFileNode struct {
	fs.Inode
	owner *SequentialReadFS
	path  string
}

func (n *seqFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fm, ok := n.owner.cache.GetAttr(n.path)
	if !ok {
		return syscall.ENOENT
	}
	fillAttrOut(out, fm)
	return 0
}

func (n *seqFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}

	// Double-open of the same path is rejected rather than served from two
	// independent streams (spec.md §4.4, §6, Testable Property #8).
	if !n.owner.markOpen(n.path) {
		return nil, 0, syscall.EBUSY
	}

	start := time.Now()
	stream, err := n.owner.openStream(ctx, n.path)
	recordOp(n.owner.metrics, "open", start, 0, err)
	if err != nil {
		n.owner.clearOpen(n.path)
		n.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, 0, syscall.EIO
	}
	n.owner.inc(func(s *FilesystemStats) { s.Opens++ })

	return &seqFileHandle{owner: n.owner, path: n.path, stream: stream}, fuse.FOPEN_KEEP_CACHE, 0
}

// seqFileHandle serves reads from a pre-opened or freshly-opened object
// stream and releases it back to the pre-opener's freelist on close.
type seqFileHandle struct {
	owner  *SequentialReadFS
	path   string
	stream *preopener.Stream
}

func (h *seqFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := h.stream.Reader.Read(len(dest), off)
	recordOp(h.owner.metrics, "read", start, int64(len(data)), err)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, syscall.EIO
	}
	h.owner.inc(func(s *FilesystemStats) { s.Reads++; s.BytesRead += int64(len(data)) })
	return fuse.ReadResultData(data), 0
}

func (h *seqFileHandle) Release(ctx context.Context) syscall.Errno {
	h.owner.clearOpen(h.path)
	if err := h.owner.opener.Release(h.stream); err != nil {
		return syscall.EIO
	}
	return 0
}
