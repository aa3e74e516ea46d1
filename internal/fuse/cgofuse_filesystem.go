//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/internal/objectstream"
	"github.com/clp-compress/s3fuse/pkg/types"
)

var (
	errAlreadyMounted = errors.New("s3fuse: filesystem is already mounted")
	errNotMounted     = errors.New("s3fuse: filesystem is not mounted")
	errUnmountFailed  = errors.New("s3fuse: unmount failed")
)

// CgoFuseFS implements the sequential-read mount variant (spec.md §4.4) on
// top of cgofuse, for platforms winfsp/cgofuse supports that go-fuse/v2
// doesn't. Unlike SequentialReadFS it opens object streams directly rather
// than through the pre-opener: cgofuse's callback-per-path-string model
// doesn't share go-fuse/v2's node tree, so the hand-off queue has nowhere
// natural to attach (DESIGN.md: cgofuse build narrowed to sequential-read).
type CgoFuseFS struct {
	fuse.FileSystemBase

	backend types.Backend
	cache   *attrcache.Cache
	conv    *objectpath.Converter
	mount   *MountConfig

	mu        sync.Mutex
	openFiles map[uint64]*objectstream.Reader
	nextFH    uint64
	host      *fuse.FileSystemHost
	mounted   bool

	statsBox
}

// NewCgoFuseFS returns a CgoFuseFS whose attribute cache has already been
// populated by cache.Populate.
func NewCgoFuseFS(backend types.Backend, conv *objectpath.Converter, cache *attrcache.Cache, mount *MountConfig) *CgoFuseFS {
	return &CgoFuseFS{
		backend:   backend,
		cache:     cache,
		conv:      conv,
		mount:     mount,
		openFiles: make(map[uint64]*objectstream.Reader),
		nextFH:    1,
	}
}

// Mount mounts the filesystem. Unlike MountManager.Mount, cgofuse's
// FileSystemHost.Mount blocks until unmount, so it runs on its own
// goroutine.
func (f *CgoFuseFS) Mount(ctx context.Context) error {
	f.mu.Lock()
	if f.mounted {
		f.mu.Unlock()
		return errAlreadyMounted
	}
	f.host = fuse.NewFileSystemHost(f)
	f.mounted = true
	f.mu.Unlock()

	options := []string{"-o", "fsname=s3fuse", "-o", "subtype=s3"}
	if f.mount.Options != nil && f.mount.Options.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	go func() {
		if ok := f.host.Mount(f.mount.MountPoint, options); !ok {
			log.Printf("s3fuse: cgofuse mount exited with failure at %s", f.mount.MountPoint)
		}
		f.mu.Lock()
		f.mounted = false
		f.mu.Unlock()
	}()
	return nil
}

func (f *CgoFuseFS) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted || f.host == nil {
		return errNotMounted
	}
	if ok := f.host.Unmount(); !ok {
		return errUnmountFailed
	}
	f.mounted = false
	return nil
}

func (f *CgoFuseFS) IsMounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

func (f *CgoFuseFS) GetStats() *FilesystemStats {
	stats := f.snapshot()
	return &stats
}

func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	f.inc(func(s *FilesystemStats) { s.Lookups++ })

	fm, ok := f.cache.GetAttr(cleanPath(path))
	if !ok {
		return -fuse.ENOENT
	}
	fillCgoStat(stat, fm)
	return 0
}

func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	p := cleanPath(path)
	fm, ok := f.cache.GetAttr(p)
	if !ok {
		return -fuse.ENOENT, 0
	}
	key, err := f.conv.KeyFromPath(p)
	if err != nil {
		return -fuse.EIO, 0
	}
	reader, err := objectstream.Open(context.Background(), f.backend, key, fm.Size)
	if err != nil {
		f.inc(func(s *FilesystemStats) { s.Errors++ })
		return -fuse.EIO, 0
	}

	f.mu.Lock()
	handle := f.nextFH
	f.nextFH++
	f.openFiles[handle] = reader
	f.mu.Unlock()

	f.inc(func(s *FilesystemStats) { s.Opens++ })
	return 0, handle
}

func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	f.mu.Lock()
	reader, ok := f.openFiles[fh]
	f.mu.Unlock()
	if !ok {
		return -fuse.EIO
	}

	data, err := reader.Read(len(buff), ofst)
	if err != nil {
		f.inc(func(s *FilesystemStats) { s.Errors++ })
		return -fuse.EIO
	}
	copy(buff, data)
	f.inc(func(s *FilesystemStats) { s.Reads++; s.BytesRead += int64(len(data)) })
	return len(data)
}

func (f *CgoFuseFS) Release(path string, fh uint64) int {
	f.mu.Lock()
	reader, ok := f.openFiles[fh]
	delete(f.openFiles, fh)
	f.mu.Unlock()
	if ok {
		reader.Close()
	}
	return 0
}

func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	f.inc(func(s *FilesystemStats) { s.Lookups++ })

	fill(".", nil, 0)
	fill("..", nil, 0)

	dirs, files, ok := f.cache.ReadDir(cleanPath(path))
	if !ok {
		return -fuse.ENOENT
	}
	for _, d := range dirs {
		if !fill(d, nil, 0) {
			return 0
		}
	}
	for _, name := range files {
		if !fill(name, nil, 0) {
			return 0
		}
	}
	return 0
}

func cleanPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func fillCgoStat(stat *fuse.Stat_t, fm *types.FileMetadata) {
	if fm.IsDir {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return
	}
	stat.Mode = fuse.S_IFREG | 0444
	stat.Size = fm.Size
	stat.Nlink = 1
	stat.Mtim.Sec = fm.ModifyTime.Unix()
}
