package fuse

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/clp-compress/s3fuse/internal/metadatacache"
	"github.com/clp-compress/s3fuse/internal/metadatacontainer"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/internal/objectstream"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// clpDirKind classifies a directory node's role in the path heuristic
// (spec.md §4.5): the mount root, an archive directory, or one of the two
// reserved subdirectories an archive holds.
type clpDirKind int

const (
	clpDirRoot clpDirKind = iota
	clpDirArchive
	clpDirReserved
)

// CLPSequentialReadFS implements the CLP sequential-read mount variant
// (spec.md §4.5). It operates without a fully-populated listing: directory
// shape is inferred purely from each path component's own name — a
// UUID-parseable name is an archive directory, "s" and "l" are its reserved
// segment and log subdirectories, and everything else is a file. Archive
// metadata is served from a background-downloaded, polled metadata cache;
// everything else is read directly through an object stream.
type CLPSequentialReadFS struct {
	backend   types.Backend
	conv      *objectpath.Converter
	metaCache *metadatacache.Cache
	fakeSize  int64
	metrics   types.MetricsCollector
	uid, gid  uint32

	openMu sync.Mutex
	opened map[string]bool // fuse paths with a live, non-metadata object stream (EBUSY guard)

	statsBox
}

// NewCLPSequentialReadFS returns a CLPSequentialReadFS. spillCutoff bounds
// the metadata cache's in-memory footprint per archive (config.CacheConfig
// .MaxFileSize); fakeSize is the synthetic size reported for non-metadata
// files (config.CacheConfig.CLPFakeFileSize, spec.md §4.5, §6) — a
// different knob from spillCutoff.
func NewCLPSequentialReadFS(backend types.Backend, conv *objectpath.Converter, spillCutoff, fakeSize int64, spillDir string, metrics types.MetricsCollector) *CLPSequentialReadFS {
	return &CLPSequentialReadFS{
		backend:   backend,
		conv:      conv,
		metaCache: metadatacache.New(backend, nil, 64, spillCutoff, spillDir),
		fakeSize:  fakeSize,
		metrics:   metrics,
		uid:       uint32(os.Getuid()),
		gid:       uint32(os.Getgid()),
		opened:    make(map[string]bool),
	}
}

func (s *CLPSequentialReadFS) Root() fs.InodeEmbedder {
	return &clpDirNode{owner: s, path: "/", kind: clpDirRoot}
}

func (s *CLPSequentialReadFS) Stats() FilesystemStats {
	return s.snapshot()
}

// Start launches the metadata downloader thread (spec.md §4.7).
func (s *CLPSequentialReadFS) Start(ctx context.Context) {
	go s.metaCache.Run(ctx)
}

// Shutdown signals the metadata downloader thread to exit.
func (s *CLPSequentialReadFS) Shutdown() {
	s.metaCache.Stop()
}

func (s *CLPSequentialReadFS) markOpen(path string) bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened[path] {
		return false
	}
	s.opened[path] = true
	return true
}

func (s *CLPSequentialReadFS) clearOpen(path string) {
	s.openMu.Lock()
	delete(s.opened, path)
	s.openMu.Unlock()
}

// mergedKeyFor resolves archive's merged-metadata object key. The archive
// namespace is flat (spec.md §4.5): the archive's own basename, not its
// position in the path, addresses "<archive>/merged_metadata".
func (s *CLPSequentialReadFS) mergedKeyFor(archive string) (string, error) {
	return s.conv.KeyFromPath("/" + archive + "/" + metadatacontainer.MergedObjectName)
}

// isArchiveName reports whether name parses as any UUID (spec.md §4.5:
// "any path component that looks like a UUIDv4"). The Python original
// validates with uuid.UUID(name, version=4), whose version kwarg only
// coerces version/variant bits after a successful parse rather than
// rejecting non-v4 UUIDs, so a plain syntactic parse is the faithful
// equivalent rather than a strict version check.
func isArchiveName(name string) bool {
	_, err := uuid.Parse(name)
	return err == nil
}

func isReservedDirName(name string) bool {
	return name == "s" || name == "l"
}

// clpDirNode is a directory node classified purely by its own path
// component's name, never by consulting a pre-built listing.
type clpDirNode struct {
	fs.Inode
	owner   *CLPSequentialReadFS
	path    string
	kind    clpDirKind
	archive string // set for clpDirArchive and clpDirReserved
}

func (n *clpDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.owner.inc(func(s *FilesystemStats) { s.Lookups++ })

	p := childPath(n.path, name)

	switch {
	case isArchiveName(name):
		child := &clpDirNode{owner: n.owner, path: p, kind: clpDirArchive, archive: name}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0

	case isReservedDirName(name):
		child := &clpDirNode{owner: n.owner, path: p, kind: clpDirReserved, archive: n.archive}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0

	case metadatacontainer.IsMetadataFile(name) && isGeneratedName(name):
		n.owner.inc(func(s *FilesystemStats) { s.CacheMisses++ })
		return nil, syscall.ENOENT

	case metadatacontainer.IsMetadataFile(name) && n.archive != "":
		mergedKey, err := n.owner.mergedKeyFor(n.archive)
		if err != nil {
			return nil, syscall.EIO
		}
		child := &clpFileNode{owner: n.owner, path: p, archive: n.archive, name: name, mergedKey: mergedKey, isMetadata: true}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0

	default:
		child := &clpFileNode{owner: n.owner, path: p, archive: n.archive, name: name}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	}
}

func isGeneratedName(name string) bool {
	for _, n := range metadatacontainer.GeneratedFiles {
		if n == name {
			return true
		}
	}
	return false
}

// Getattr reports a fixed directory attribute (spec.md §4.5): mode
// dr--r--r--, 512 bytes, matching the Python original's
// generate_dir_attribute. An archive directory's Getattr also enqueues a
// background metadata fetch, since a listing of the archive is the
// earliest reliable signal its metadata will be read soon.
func (n *clpDirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.kind == clpDirArchive {
		if mergedKey, err := n.owner.mergedKeyFor(n.archive); err == nil {
			n.owner.metaCache.Enqueue(n.archive, mergedKey)
		}
	}

	out.Mode = 040444
	out.Size = 512
	out.Uid = n.owner.uid
	out.Gid = n.owner.gid
	out.Mtime, out.Atime, out.Ctime = 0, 0, 0
	return 0
}

// Readdir synthesizes an archive directory's contents from the fixed
// canonical metadata names plus the two reserved subdirectories (spec.md
// GLOSSARY: an archive "contains metadata files and segment files"); for a
// reserved subdirectory it lists the real segment/log objects under that
// prefix, scoped to this one directory rather than the whole mount.
func (n *clpDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	switch n.kind {
	case clpDirArchive:
		entries := make([]fuse.DirEntry, 0, len(metadatacontainer.CanonicalOrder)+2)
		for _, name := range metadatacontainer.CanonicalOrder {
			entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
		}
		entries = append(entries,
			fuse.DirEntry{Name: "s", Mode: fuse.S_IFDIR},
			fuse.DirEntry{Name: "l", Mode: fuse.S_IFDIR},
		)
		return fs.NewListDirStream(entries), 0

	case clpDirReserved:
		names, err := n.owner.listDirObjects(ctx, n.path)
		if err != nil {
			n.owner.inc(func(s *FilesystemStats) { s.Errors++ })
			return nil, syscall.EIO
		}
		entries := make([]fuse.DirEntry, 0, len(names))
		for _, name := range names {
			entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
		}
		return fs.NewListDirStream(entries), 0

	default: // root
		names, err := n.owner.listDirObjects(ctx, n.path)
		if err != nil {
			n.owner.inc(func(s *FilesystemStats) { s.Errors++ })
			return nil, syscall.EIO
		}
		entries := make([]fuse.DirEntry, 0, len(names))
		for _, name := range names {
			mode := uint32(fuse.S_IFREG)
			if isArchiveName(name) {
				mode = fuse.S_IFDIR
			}
			entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
		}
		return fs.NewListDirStream(entries), 0
	}
}

// listDirObjects derives dir's immediate child names from a scoped object
// listing under dir's key prefix: one on-demand ListObjects call per
// Readdir, not a whole-mount upfront scan (spec.md §4.5).
func (s *CLPSequentialReadFS) listDirObjects(ctx context.Context, dir string) ([]string, error) {
	var prefix string
	if dir == "/" {
		prefix = s.conv.ListPrefix()
	} else {
		key, err := s.conv.KeyFromPath(dir)
		if err != nil {
			return nil, err
		}
		prefix = key
	}
	if prefix != "" {
		prefix += "/"
	}

	objs, err := s.backend.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		rel := obj.Key[len(prefix):]
		if rel == "" {
			continue
		}
		if i := indexOfSlash(rel); i >= 0 {
			rel = rel[:i]
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		names = append(names, rel)
	}
	return names, nil
}

func indexOfSlash(s string) int {
	for i, c := range s {
		if c == '/' {
			return i
		}
	}
	return -1
}

func (n *clpDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *clpDirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

// clpFileNode is a non-directory path: either a canonical metadata file
// served from the metadata cache, or a plain object (a compressor segment
// or log file) streamed directly, matching the Python original's
// filename-only dispatch in getattr/open/read regardless of nesting depth.
type clpFileNode struct {
	fs.Inode
	owner      *CLPSequentialReadFS
	path       string
	archive    string
	name       string
	mergedKey  string
	isMetadata bool
}

func (n *clpFileNode) metaKey() string { return n.archive + "/" + n.name }

// Getattr reports the fake size (spec.md §4.5, §6) for every file except
// metadata.db, which blocks until the metadata cache has its true size
// (matching the Python original's "metadata.db" poll-and-log loop in
// getattr rather than returning a placeholder the caller would trust).
func (n *clpFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0100444
	out.Size = safeInt64ToUint64(n.owner.fakeSize)

	if n.isMetadata && n.name == "metadata.db" {
		start := time.Now()
		n.owner.metaCache.Enqueue(n.archive, n.mergedKey)
		ticker := time.NewTicker(metadatacache.PollInterval)
		defer ticker.Stop()
		for {
			if size, ok := n.owner.metaCache.Size(n.metaKey()); ok {
				out.Size = safeInt64ToUint64(size)
				break
			}
			select {
			case <-ctx.Done():
				recordOp(n.owner.metrics, "getattr", start, 0, ctx.Err())
				return syscall.EIO
			case <-ticker.C:
			}
		}
		recordOp(n.owner.metrics, "getattr", start, int64(out.Size), nil)
	}

	out.Uid = n.owner.uid
	out.Gid = n.owner.gid
	out.Mtime, out.Atime, out.Ctime = 0, 0, 0
	return 0
}

func (n *clpFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}

	if n.isMetadata {
		start := time.Now()
		n.owner.metaCache.Enqueue(n.archive, n.mergedKey)
		recordOp(n.owner.metrics, "open", start, 0, nil)
		n.owner.inc(func(s *FilesystemStats) { s.Opens++ })
		return &clpMetaFileHandle{owner: n.owner, key: n.metaKey()}, fuse.FOPEN_KEEP_CACHE, 0
	}

	// Non-metadata files don't support opening the same path concurrently
	// (spec.md §4.5, §6; Python original's opened_object_streams guard).
	if !n.owner.markOpen(n.path) {
		return nil, 0, syscall.EBUSY
	}

	start := time.Now()
	key, err := n.owner.conv.KeyFromPath(n.path)
	if err != nil {
		n.owner.clearOpen(n.path)
		recordOp(n.owner.metrics, "open", start, 0, err)
		return nil, 0, syscall.EIO
	}
	reader, err := objectstream.Open(ctx, n.owner.backend, key, -1)
	recordOp(n.owner.metrics, "open", start, 0, err)
	if err != nil {
		n.owner.clearOpen(n.path)
		n.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, 0, syscall.EIO
	}
	n.owner.inc(func(s *FilesystemStats) { s.Opens++ })
	return &clpFileHandle{owner: n.owner, path: n.path, reader: reader}, fuse.FOPEN_KEEP_CACHE, 0
}

// clpMetaFileHandle blocks reads on the metadata cache's polling getter
// until the downloader thread has populated this file's slice.
type clpMetaFileHandle struct {
	owner *CLPSequentialReadFS
	key   string
}

func (h *clpMetaFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := h.owner.metaCache.Get(ctx, h.key, len(dest), off)
	recordOp(h.owner.metrics, "read", start, int64(len(data)), err)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, syscall.EIO
	}
	h.owner.inc(func(s *FilesystemStats) { s.Reads++; s.BytesRead += int64(len(data)) })
	return fuse.ReadResultData(data), 0
}

func (h *clpMetaFileHandle) Release(ctx context.Context) syscall.Errno {
	return 0
}

type clpFileHandle struct {
	owner  *CLPSequentialReadFS
	path   string
	reader *objectstream.Reader
}

func (h *clpFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := h.reader.Read(len(dest), off)
	recordOp(h.owner.metrics, "read", start, int64(len(data)), err)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, syscall.EIO
	}
	h.owner.inc(func(s *FilesystemStats) { s.Reads++; s.BytesRead += int64(len(data)) })
	return fuse.ReadResultData(data), 0
}

func (h *clpFileHandle) Release(ctx context.Context) syscall.Errno {
	h.owner.clearOpen(h.path)
	if err := h.reader.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
