// Package metadatacontainer implements the writer side of a CLP archive's
// metadata: local scratch files for the six canonical metadata files (plus
// two generated sqlite side files), merged into a single object with a
// byte-exact offset header on final close (spec.md §3, §4.6, §6).
package metadatacontainer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clp-compress/s3fuse/pkg/types"
)

// CanonicalOrder is the fixed order metadata files are merged in
// (spec.md §6): N = len(CanonicalOrder) = 6.
var CanonicalOrder = []string{
	"logtype.dict",
	"logtype.segindex",
	"metadata",
	"metadata.db",
	"var.dict",
	"var.segindex",
}

// GeneratedFiles are sqlite side files of metadata.db: staged locally like
// canonical files but never uploaded, and reopenable for further writes
// after their first close (spec.md §4.6).
var GeneratedFiles = []string{
	"metadata.db-journal",
	"metadata.db-wal",
}

// MergedObjectName is the archive-relative name the merged metadata blob
// is uploaded as.
const MergedObjectName = "merged_metadata"

func isCanonical(name string) bool {
	for _, n := range CanonicalOrder {
		if n == name {
			return true
		}
	}
	return false
}

func isGenerated(name string) bool {
	for _, n := range GeneratedFiles {
		if n == name {
			return true
		}
	}
	return false
}

// IsMetadataFile reports whether name (a file basename) belongs to a
// container: either a canonical metadata file or one of its generated
// side files.
func IsMetadataFile(name string) bool {
	return isCanonical(name) || isGenerated(name)
}

// Container is one archive's in-progress metadata: a scratch directory
// holding one file per canonical and generated name, tracked open/closed
// state, and each file's high-water write position.
type Container struct {
	mu         sync.Mutex
	archive    string
	scratchDir string
	handles    map[string]*os.File
	closedSet  map[string]bool
	maxPos     map[string]int64
}

// New allocates a scratch subdirectory under baseDir for archive and
// creates one empty file per canonical and generated name.
func New(baseDir, archive string) (*Container, error) {
	dir := filepath.Join(baseDir, archive)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("metadatacontainer: creating scratch dir for %q: %w", archive, err)
	}

	c := &Container{
		archive:    archive,
		scratchDir: dir,
		handles:    make(map[string]*os.File),
		closedSet:  make(map[string]bool),
		maxPos:     make(map[string]int64),
	}

	all := append(append([]string{}, CanonicalOrder...), GeneratedFiles...)
	for _, name := range all {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, fmt.Errorf("metadatacontainer: creating scratch file %q: %w", name, err)
		}
		c.handles[name] = f
	}
	return c, nil
}

// Reopen reopens a generated file's scratch handle for further writes
// after it was previously released (spec.md §4.6: generated files reopen
// on open of an existing file).
func (c *Container) Reopen(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isGenerated(name) {
		return fmt.Errorf("metadatacontainer: %q is not reopenable", name)
	}
	f, err := os.OpenFile(filepath.Join(c.scratchDir, name), os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("metadatacontainer: reopening %q: %w", name, err)
	}
	c.handles[name] = f
	delete(c.closedSet, name)
	return nil
}

// WriteAt writes buf to name's scratch file at offset, updating the
// file's high-water mark.
func (c *Container) WriteAt(name string, buf []byte, offset int64) (int, error) {
	c.mu.Lock()
	f := c.handles[name]
	c.mu.Unlock()
	if f == nil {
		return 0, fmt.Errorf("metadatacontainer: %q has no open scratch handle", name)
	}

	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("metadatacontainer: writing %q: %w", name, err)
	}

	c.mu.Lock()
	if end := offset + int64(n); end > c.maxPos[name] {
		c.maxPos[name] = end
	}
	c.mu.Unlock()
	return n, nil
}

// ReadAt reads length bytes from name's scratch file at offset, allowing
// the compressor to re-read files it has written within an active
// archive (spec.md §4.6).
func (c *Container) ReadAt(name string, length int, offset int64) ([]byte, error) {
	c.mu.Lock()
	f := c.handles[name]
	c.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("metadatacontainer: %q has no open scratch handle", name)
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// Size returns name's current high-water write position, the true size
// getattr reports for metadata.db and generated files (spec.md §4.6).
func (c *Container) Size(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPos[name]
}

// Release closes name's scratch handle. When every canonical file has
// been released, it returns done=true and the caller (the FUSE handler)
// should call Merge to finalize the archive.
func (c *Container) Release(name string) (done bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f := c.handles[name]; f != nil {
		if closeErr := f.Close(); closeErr != nil {
			return false, fmt.Errorf("metadatacontainer: closing %q: %w", name, closeErr)
		}
	}
	c.closedSet[name] = true

	for _, n := range CanonicalOrder {
		if !c.closedSet[n] {
			return false, nil
		}
	}
	return true, nil
}

// Merge concatenates the six canonical files' current contents into the
// byte-exact merged layout (spec.md §6): N−1 little-endian u32 end-offsets
// followed by the N file bodies in canonical order.
func (c *Container) Merge() ([]byte, error) {
	bodies := make([][]byte, len(CanonicalOrder))
	for i, name := range CanonicalOrder {
		data, err := os.ReadFile(filepath.Join(c.scratchDir, name))
		if err != nil {
			return nil, fmt.Errorf("metadatacontainer: reading %q for merge: %w", name, err)
		}
		bodies[i] = data
	}
	return Merge(bodies)
}

// Upload merges the container and uploads the result as
// "<archive>/merged_metadata", then removes the scratch directory.
func (c *Container) Upload(ctx context.Context, backend types.Backend) error {
	merged, err := c.Merge()
	if err != nil {
		return err
	}

	key := c.archive + "/" + MergedObjectName
	w, err := backend.OpenWriteStream(ctx, key)
	if err != nil {
		return fmt.Errorf("metadatacontainer: opening upload stream for %q: %w", key, err)
	}
	if _, err := w.Write(merged); err != nil {
		return fmt.Errorf("metadatacontainer: uploading %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("metadatacontainer: finalizing upload of %q: %w", key, err)
	}

	return c.Cleanup()
}

// Cleanup removes the scratch directory and any still-open handles.
func (c *Container) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.handles {
		_ = f.Close()
	}
	if err := os.RemoveAll(c.scratchDir); err != nil {
		return fmt.Errorf("metadatacontainer: removing scratch dir %q: %w", c.scratchDir, err)
	}
	return nil
}

// Merge concatenates pre-read file bodies (in canonical order) into the
// byte-exact merged layout described in spec.md §6.
func Merge(bodies [][]byte) ([]byte, error) {
	n := len(bodies)
	if n == 0 {
		return nil, fmt.Errorf("metadatacontainer: merge requires at least one file")
	}

	headerLen := 4 * (n - 1)
	offsets := make([]uint32, n-1)
	running := int64(headerLen)
	total := headerLen
	for i := 0; i < n-1; i++ {
		running += int64(len(bodies[i]))
		offsets[i] = uint32(running)
		total += len(bodies[i])
	}
	total += len(bodies[n-1])

	buf := bytes.NewBuffer(make([]byte, 0, total))
	for _, off := range offsets {
		if err := binary.Write(buf, binary.LittleEndian, off); err != nil {
			return nil, fmt.Errorf("metadatacontainer: writing header: %w", err)
		}
	}
	for _, b := range bodies {
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// Manager tracks one Container per archive for the lifetime of the mount.
type Manager struct {
	mu       sync.Mutex
	baseDir  string
	archives map[string]*Container
}

// NewManager returns a Manager rooted at baseDir (the mount's cache
// directory).
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, archives: make(map[string]*Container)}
}

// GetOrCreate returns the Container for archive, creating one if absent.
func (m *Manager) GetOrCreate(archive string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.archives[archive]; ok {
		return c, nil
	}
	c, err := New(m.baseDir, archive)
	if err != nil {
		return nil, err
	}
	m.archives[archive] = c
	return c, nil
}

// Get returns the Container for archive, if one exists.
func (m *Manager) Get(archive string) (*Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.archives[archive]
	return c, ok
}

// Remove drops archive's Container from the manager (called once its
// merged object has been uploaded).
func (m *Manager) Remove(archive string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, archive)
}
