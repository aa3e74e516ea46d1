package fuse

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/clp-compress/s3fuse/internal/metadatacontainer"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/internal/objectstream"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// MostlySequentialWriteFS implements the mostly-sequential-write mount
// variant (spec.md §4.6): a fresh mount for one compressor run's output.
// Top-level Mkdir calls create archive directories, each backed by a
// metadatacontainer.Container for its six canonical metadata files (plus
// generated sqlite side files); every other created file, inside or
// outside an archive directory, is a segment uploaded directly through an
// object stream. There is no pre-existing listing: every name must be
// created (Mkdir/Create) before it can be looked up.
type MostlySequentialWriteFS struct {
	backend types.Backend
	conv    *objectpath.Converter
	manager *metadatacontainer.Manager
	metrics types.MetricsCollector
	uid     uint32
	gid     uint32

	mu                sync.Mutex
	archiveDirs       map[string]bool
	plainFiles        map[string]bool
	segFilesByArchive map[string][]string
	sizes             map[string]int64
	openedMeta        map[string]map[string]bool

	statsBox
}

// NewMostlySequentialWriteFS returns a MostlySequentialWriteFS whose
// archive metadata containers stage their scratch files under baseDir
// (the mount's cache directory).
func NewMostlySequentialWriteFS(backend types.Backend, conv *objectpath.Converter, baseDir string, metrics types.MetricsCollector) *MostlySequentialWriteFS {
	return &MostlySequentialWriteFS{
		backend:           backend,
		conv:              conv,
		manager:           metadatacontainer.NewManager(baseDir),
		metrics:           metrics,
		uid:               uint32(os.Getuid()),
		gid:               uint32(os.Getgid()),
		archiveDirs:       make(map[string]bool),
		plainFiles:        make(map[string]bool),
		segFilesByArchive: make(map[string][]string),
		sizes:             make(map[string]int64),
		openedMeta:        make(map[string]map[string]bool),
	}
}

func (s *MostlySequentialWriteFS) Root() fs.InodeEmbedder {
	return &writeRootNode{owner: s}
}

func (s *MostlySequentialWriteFS) Stats() FilesystemStats {
	return s.snapshot()
}

// Start is a no-op: the write mount has no auxiliary threads.
func (s *MostlySequentialWriteFS) Start(ctx context.Context) {}

// Shutdown is a no-op: every archive is merged and uploaded synchronously
// as its last canonical file is released.
func (s *MostlySequentialWriteFS) Shutdown() {}

func (s *MostlySequentialWriteFS) createArchive(name string) error {
	if _, err := s.manager.GetOrCreate(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.archiveDirs[name] = true
	s.openedMeta[name] = make(map[string]bool)
	s.mu.Unlock()
	return nil
}

func (s *MostlySequentialWriteFS) registerSegment(archive, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plainFiles[path] = true
	if archive != "" {
		s.segFilesByArchive[archive] = append(s.segFilesByArchive[archive], path)
	}
}

func (s *MostlySequentialWriteFS) setSize(path string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes[path] = size
}

func (s *MostlySequentialWriteFS) size(path string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[path]
}

// openMetaHandle returns a handle onto a canonical or generated metadata
// file's scratch file, reopening it first if it was previously released
// (spec.md §4.6: generated files may be reopened after their first close).
func (s *MostlySequentialWriteFS) openMetaHandle(archive, name string) (*metaFileHandle, syscall.Errno) {
	container, ok := s.manager.Get(archive)
	if !ok {
		return nil, syscall.ENOENT
	}

	s.mu.Lock()
	first := !s.openedMeta[archive][name]
	s.openedMeta[archive][name] = true
	s.mu.Unlock()

	if !first {
		if err := container.Reopen(name); err != nil {
			return nil, syscall.EIO
		}
	}
	return &metaFileHandle{owner: s, container: container, archive: archive, name: name}, 0
}

func dirAttr(out *fuse.AttrOut, uid, gid uint32) {
	out.Mode = 040755
	out.Size = 512
	out.Uid = uid
	out.Gid = gid
	t := safeInt64ToUint64(time.Now().Unix())
	out.Mtime, out.Atime, out.Ctime = t, t, t
}

// writeRootNode is the mount root: its only children are archive
// directories and, for compressor output that falls outside any archive,
// plain top-level files.
type writeRootNode struct {
	fs.Inode
	owner *MostlySequentialWriteFS
}

func (n *writeRootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	dirAttr(out, n.owner.uid, n.owner.gid)
	return 0
}

func (n *writeRootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.owner.mu.Lock()
	isArchive := n.owner.archiveDirs[name]
	isFile := n.owner.plainFiles[childPath("/", name)]
	n.owner.mu.Unlock()

	if isArchive {
		return n.NewInode(ctx, &archiveDirNode{owner: n.owner, archive: name, path: childPath("/", name)}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	if isFile {
		return n.NewInode(ctx, &writeFileNode{owner: n.owner, path: childPath("/", name)}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	}
	return nil, syscall.ENOENT
}

func (n *writeRootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.owner.mu.Lock()
	defer n.owner.mu.Unlock()

	entries := make([]fuse.DirEntry, 0, len(n.owner.archiveDirs)+len(n.owner.plainFiles))
	for name := range n.owner.archiveDirs {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFDIR})
	}
	for path := range n.owner.plainFiles {
		if !strings.Contains(path[1:], "/") { // top-level file, one path segment
			entries = append(entries, fuse.DirEntry{Name: path[1:], Mode: fuse.S_IFREG})
		}
	}
	return fs.NewListDirStream(entries), 0
}

func (n *writeRootNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if err := n.owner.createArchive(name); err != nil {
		return nil, syscall.EIO
	}
	return n.NewInode(ctx, &archiveDirNode{owner: n.owner, archive: name, path: childPath("/", name)}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func (n *writeRootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return createSegmentFile(ctx, n.Inode.EmbeddedInode(), n.owner, "", childPath("/", name))
}

// archiveDirNode is one archive's directory: its six canonical metadata
// files and any generated side files, plus whatever segment files the
// compressor has created inside it.
type archiveDirNode struct {
	fs.Inode
	owner   *MostlySequentialWriteFS
	archive string
	path    string
}

func (n *archiveDirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	dirAttr(out, n.owner.uid, n.owner.gid)
	return 0
}

func (n *archiveDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if metadatacontainer.IsMetadataFile(name) {
		node := &metaFileNode{owner: n.owner, archive: n.archive, name: name}
		return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	}

	p := childPath(n.path, name)
	n.owner.mu.Lock()
	ok := n.owner.plainFiles[p]
	n.owner.mu.Unlock()
	if !ok {
		return nil, syscall.ENOENT
	}
	return n.NewInode(ctx, &writeFileNode{owner: n.owner, path: p}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (n *archiveDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	all := append(append([]string{}, metadatacontainer.CanonicalOrder...), metadatacontainer.GeneratedFiles...)
	entries := make([]fuse.DirEntry, 0, len(all))
	for _, name := range all {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
	}

	n.owner.mu.Lock()
	segs := append([]string{}, n.owner.segFilesByArchive[n.archive]...)
	n.owner.mu.Unlock()
	for _, p := range segs {
		entries = append(entries, fuse.DirEntry{Name: p[len(n.path)+1:], Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *archiveDirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if metadatacontainer.IsMetadataFile(name) {
		h, errno := n.owner.openMetaHandle(n.archive, name)
		if errno != 0 {
			return nil, nil, 0, errno
		}
		node := n.NewInode(ctx, &metaFileNode{owner: n.owner, archive: n.archive, name: name}, fs.StableAttr{Mode: fuse.S_IFREG})
		return node, h, 0, 0
	}
	return createSegmentFile(ctx, n.Inode.EmbeddedInode(), n.owner, n.archive, childPath(n.path, name))
}

func (n *archiveDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.ENOSYS
}

// createSegmentFile opens a direct upload stream for a new non-metadata
// file at path, registering it for subsequent Lookup/Readdir.
func createSegmentFile(ctx context.Context, parent *fs.Inode, owner *MostlySequentialWriteFS, archive, path string) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	key, err := owner.conv.KeyFromPath(path)
	if err != nil {
		recordOp(owner.metrics, "open", start, 0, err)
		return nil, nil, 0, syscall.EIO
	}
	writer, err := objectstream.OpenWriter(ctx, owner.backend, key)
	recordOp(owner.metrics, "open", start, 0, err)
	if err != nil {
		owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return nil, nil, 0, syscall.EIO
	}
	owner.registerSegment(archive, path)

	node := parent.NewInode(ctx, &writeFileNode{owner: owner, path: path}, fs.StableAttr{Mode: fuse.S_IFREG})
	return node, &writeFileHandle{owner: owner, path: path, writer: writer}, 0, 0
}

// metaFileNode is one archive's canonical or generated metadata file.
type metaFileNode struct {
	fs.Inode
	owner   *MostlySequentialWriteFS
	archive string
	name    string
}

func (n *metaFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	container, ok := n.owner.manager.Get(n.archive)
	if !ok {
		return syscall.ENOENT
	}
	out.Mode = 0100644
	out.Size = safeInt64ToUint64(container.Size(n.name))
	out.Uid = n.owner.uid
	out.Gid = n.owner.gid
	t := safeInt64ToUint64(time.Now().Unix())
	out.Mtime, out.Atime, out.Ctime = t, t, t
	return 0
}

func (n *metaFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, errno := n.owner.openMetaHandle(n.archive, n.name)
	return h, 0, errno
}

// metaFileHandle writes and reads one metadata file's scratch contents,
// and on releasing the last canonical file, merges and uploads the
// archive (spec.md §4.6).
type metaFileHandle struct {
	owner     *MostlySequentialWriteFS
	container *metadatacontainer.Container
	archive   string
	name      string
}

func (h *metaFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	start := time.Now()
	n, err := h.container.WriteAt(h.name, data, off)
	recordOp(h.owner.metrics, "write", start, int64(n), err)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return 0, syscall.EIO
	}
	h.owner.inc(func(s *FilesystemStats) { s.Writes++; s.BytesWritten += int64(n) })
	return safeIntToUint32(n), 0
}

func (h *metaFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := h.container.ReadAt(h.name, len(dest), off)
	recordOp(h.owner.metrics, "read", start, int64(len(data)), err)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

func (h *metaFileHandle) Release(ctx context.Context) syscall.Errno {
	done, err := h.container.Release(h.name)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return syscall.EIO
	}
	if done {
		start := time.Now()
		err := h.container.Upload(ctx, h.owner.backend)
		recordOp(h.owner.metrics, "upload", start, 0, err)
		if err != nil {
			h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
			return syscall.EIO
		}
		h.owner.manager.Remove(h.archive)
	}
	return 0
}

// writeFileNode is a plain (non-metadata) file: a direct object upload
// once created; it cannot be reopened afterwards (see Open).
type writeFileNode struct {
	fs.Inode
	owner *MostlySequentialWriteFS
	path  string
}

func (n *writeFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0100644
	out.Size = safeInt64ToUint64(n.owner.size(n.path))
	out.Uid = n.owner.uid
	out.Gid = n.owner.gid
	t := safeInt64ToUint64(time.Now().Unix())
	out.Mtime, out.Atime, out.Ctime = t, t, t
	return 0
}

// Open always fails: a plain/segment file is write-once through Create,
// and reopening it afterwards (for read or otherwise) is not permitted
// (spec.md §4.6 — only files named in metadatacontainer.GeneratedFiles may
// be reopened, and those are metaFileNode, never writeFileNode).
func (n *writeFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, syscall.EACCES
}

// writeFileHandle is the upload-in-progress handle returned by Create.
type writeFileHandle struct {
	owner  *MostlySequentialWriteFS
	path   string
	writer *objectstream.Writer
}

func (h *writeFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	start := time.Now()
	n, err := h.writer.Write(data, off)
	recordOp(h.owner.metrics, "write", start, int64(n), err)
	if err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return 0, syscall.EIO
	}
	h.owner.setSize(h.path, off+int64(n))
	h.owner.inc(func(s *FilesystemStats) { s.Writes++; s.BytesWritten += int64(n) })
	return safeIntToUint32(n), 0
}

func (h *writeFileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.writer.Release(); err != nil {
		h.owner.inc(func(s *FilesystemStats) { s.Errors++ })
		return syscall.EIO
	}
	return 0
}

