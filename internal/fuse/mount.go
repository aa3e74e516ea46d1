package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	Errors       int64 `json:"errors"`
}

// MountableFileSystem is implemented by each of the three mount variants
// (sequential-read, CLP sequential-read, mostly-sequential-write). It
// supplies the FUSE root node, a stats snapshot, and owns the variant's
// auxiliary threads (spec.md §4.7): the pre-opener for the sequential-read
// mount, the metadata downloader for the CLP mount, neither for the write
// mount.
type MountableFileSystem interface {
	// Root returns the root directory node, passed to fs.Mount.
	Root() fs.InodeEmbedder

	// Stats returns a snapshot of the variant's operation counters.
	Stats() FilesystemStats

	// Start launches the variant's auxiliary threads. Called once, before
	// the FUSE server begins serving.
	Start(ctx context.Context)

	// Shutdown signals the variant's auxiliary threads to exit; it does
	// not wait for them to finish. Called once, after unmount.
	Shutdown()
}

// MountManager manages FUSE mount operations for one of the three mount
// variants.
type MountManager struct {
	fsys    MountableFileSystem
	server  *fuse.Server
	config  *MountConfig
	mounted bool
	cancel  context.CancelFunc
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	// Basic options
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	AllowRoot    bool `yaml:"allow_root"`
	DefaultPerms bool `yaml:"default_permissions"`

	// Performance options
	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	// Advanced options
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	// Kernel options
	AsyncRead      bool `yaml:"async_read"`
	WritebackCache bool `yaml:"writeback_cache"`
	SpliceRead     bool `yaml:"splice_read"`
	SpliceWrite    bool `yaml:"splice_write"`
	SpliceMove     bool `yaml:"splice_move"`
}

// Permissions contains permission settings
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// NewMountManager creates a new mount manager for fsys.
func NewMountManager(fsys MountableFileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				MaxRead:      128 * 1024,
				MaxWrite:     128 * 1024,
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "s3fuse",
				Subtype:      "s3",
			},
			Permissions: &Permissions{
				UID:      safeIntToUint32(os.Getuid()),
				GID:      safeIntToUint32(os.Getgid()),
				FileMode: 0644,
				DirMode:  0755,
			},
		}
	}

	return &MountManager{
		fsys:   fsys,
		config: config,
	}
}

// Mount mounts the filesystem at the specified mount point and starts the
// variant's auxiliary threads (spec.md §4.7: "start auxiliary threads
// before entering the FUSE loop").
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()

	auxCtx, cancel := context.WithCancel(ctx)
	m.fsys.Start(auxCtx)

	server, err := fs.Mount(m.config.MountPoint, m.fsys.Root(), opts)
	if err != nil {
		m.fsys.Shutdown()
		cancel()
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.cancel = cancel
	m.server = server
	m.mounted = true

	log.Printf("s3fuse mounted at %s", m.config.MountPoint)

	go func() {
		m.server.Wait()
		log.Printf("FUSE server stopped")
		m.mounted = false
	}()

	return nil
}

// Unmount unmounts the filesystem and signals the variant's auxiliary
// threads to exit.
func (m *MountManager) Unmount() error {
	if !m.mounted {
		return fmt.Errorf("filesystem is not mounted")
	}

	if m.server == nil {
		return fmt.Errorf("no active server to unmount")
	}

	log.Printf("Unmounting filesystem at %s", m.config.MountPoint)

	err := m.server.Unmount()
	if err != nil {
		log.Printf("Normal unmount failed, trying force unmount: %v", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.fsys.Shutdown()
	if m.cancel != nil {
		m.cancel()
	}

	m.mounted = false
	m.server = nil

	log.Printf("Filesystem unmounted successfully")
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait waits for the mount to complete
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	if m.fsys != nil {
		stats := m.fsys.Stats()
		return &stats
	}
	return &FilesystemStats{}
}

// Remount remounts the filesystem with new options
func (m *MountManager) Remount(newConfig *MountConfig) error {
	wasUnmounted := !m.mounted

	if m.mounted {
		if err := m.Unmount(); err != nil {
			return fmt.Errorf("failed to unmount for remount: %w", err)
		}
	}

	if newConfig != nil {
		m.config = newConfig
	}

	if !wasUnmounted {
		return m.Mount(context.Background())
	}

	return nil
}

// Helper methods

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}

	if len(entries) > 0 {
		log.Printf("Warning: mount point %s is not empty", m.config.MountPoint)
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}

	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
			MaxWrite:    int(m.config.Options.MaxWrite),
		},

		AttrTimeout:  &m.config.Options.AttrTimeout,
		EntryTimeout: &m.config.Options.EntryTimeout,

		NullPermissions: !m.config.Options.DefaultPerms,
	}

	if m.config.Options.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}

	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}

	if m.config.Options.FSName != "" {
		opts.Options = append(opts.Options,
			fmt.Sprintf("fsname=%s", m.config.Options.FSName))
	}

	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options,
			fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	mountsFile := "/proc/mounts"

	data, err := os.ReadFile(mountsFile)
	if err != nil {
		return false
	}

	mountPoint := filepath.Clean(m.config.MountPoint)
	return containsString(string(data), mountPoint)
}

// forceUnmount retries a failed unmount lazily (MNT_DETACH), then
// forcibly (MNT_FORCE). Unmount calls it whenever server.Unmount returns
// any error; the error is not checked for ENOTCONN.
func (m *MountManager) forceUnmount() error {
	err := syscall.Unmount(m.config.MountPoint, 2)
	if err == nil {
		return nil
	}

	return syscall.Unmount(m.config.MountPoint, 1)
}

// Utility functions

func containsString(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr ||
		(len(s) > len(substr) && indexOf(s, substr) >= 0))
}

func indexOf(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// MountWatcher watches for mount/unmount events
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher creates a new mount watcher
func NewMountWatcher(manager *MountManager, interval time.Duration) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &MountWatcher{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the mount watcher
func (w *MountWatcher) Start() {
	go w.run()
}

// Stop stops the mount watcher
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMount()
		}
	}
}

func (w *MountWatcher) checkMount() {
	expectedMounted := w.manager.IsMounted()
	actuallyMounted := w.manager.isAlreadyMounted()

	if expectedMounted != actuallyMounted {
		if expectedMounted {
			log.Printf("Warning: filesystem should be mounted but appears unmounted")
		} else {
			log.Printf("Warning: filesystem should be unmounted but appears mounted")
		}
	}
}

// PrepareMountPoint ensures dir exists and is empty, and returns a sibling
// cache directory hidden with a leading "." (spec.md §4.7).
func PrepareMountPoint(dir string) (cacheDir string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("fuse: creating mount directory %q: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("fuse: reading mount directory %q: %w", dir, err)
	}
	if len(entries) > 0 {
		return "", fmt.Errorf("fuse: mount directory %q is not empty", dir)
	}

	parent := filepath.Dir(dir)
	cacheDir = filepath.Join(parent, "."+filepath.Base(dir)+"-cache")
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return "", fmt.Errorf("fuse: creating cache directory %q: %w", cacheDir, err)
	}
	return cacheDir, nil
}

// TeardownMountPoint removes the mount and cache directories once the
// filesystem has been unmounted (spec.md §4.7).
func TeardownMountPoint(dir, cacheDir string) error {
	if err := os.RemoveAll(cacheDir); err != nil {
		return fmt.Errorf("fuse: removing cache directory %q: %w", cacheDir, err)
	}
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("fuse: removing mount directory %q: %w", dir, err)
	}
	return nil
}
