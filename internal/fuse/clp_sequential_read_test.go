package fuse

import (
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/types"
)

const testArchive = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

type clpFakeBackend struct {
	mu     sync.Mutex
	merged map[string][]byte // key -> merged_metadata bytes
	listed map[string][]types.ObjectInfo
}

func (b *clpFakeBackend) OpenReadStream(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	data := b.merged[key]
	b.mu.Unlock()
	if offset < int64(len(data)) {
		data = data[offset:]
	} else {
		data = nil
	}
	if length >= 0 && int64(len(data)) > length {
		data = data[:length]
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}
func (b *clpFakeBackend) OpenWriteStream(context.Context, string) (io.WriteCloser, error) {
	return nil, nil
}
func (b *clpFakeBackend) DeleteObject(context.Context, string) error { return nil }
func (b *clpFakeBackend) HeadObject(context.Context, string) (*types.ObjectInfo, error) {
	return nil, nil
}
func (b *clpFakeBackend) ListObjects(_ context.Context, prefix string) ([]types.ObjectInfo, error) {
	return b.listed[prefix], nil
}
func (b *clpFakeBackend) HealthCheck(context.Context) error { return nil }

func buildMergedMetadata(bodies [][]byte) []byte {
	n := len(bodies)
	headerLen := 4 * (n - 1)
	var header []byte
	running := uint32(headerLen)
	for i := 0; i < n-1; i++ {
		running += uint32(len(bodies[i]))
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, running)
		header = append(header, b...)
	}
	out := append([]byte{}, header...)
	for _, body := range bodies {
		out = append(out, body...)
	}
	return out
}

func newTestCLPFS(t *testing.T, backend *clpFakeBackend) *CLPSequentialReadFS {
	t.Helper()
	conv, err := objectpath.New("bucket", "", "/bucket")
	require.NoError(t, err)
	fsys := NewCLPSequentialReadFS(backend, conv, 0, 4*1024*1024*1024, t.TempDir(), nil)
	fsys.Start(context.Background())
	t.Cleanup(fsys.Shutdown)
	return fsys
}

func TestIsArchiveName(t *testing.T) {
	assert.True(t, isArchiveName(testArchive))
	assert.False(t, isArchiveName("s"))
	assert.False(t, isArchiveName("not-a-uuid"))
	assert.False(t, isArchiveName("metadata.db"))
}

func TestIsReservedDirName(t *testing.T) {
	assert.True(t, isReservedDirName("s"))
	assert.True(t, isReservedDirName("l"))
	assert.False(t, isReservedDirName("segments"))
}

// Getattr reports the configured fake size for every non-metadata.db file,
// including the other five canonical metadata names (spec.md §4.5: only
// metadata.db's true size is resolved; the Python original falls through
// every other canonical name to the same fake-size branch as a plain
// segment file).
func TestCLPFileNode_GetattrFakeSizeForNonDBFiles(t *testing.T) {
	backend := &clpFakeBackend{merged: map[string][]byte{}}
	fsys := newTestCLPFS(t, backend)

	cases := []struct {
		name       string
		isMetadata bool
	}{
		{"metadata", true},
		{"logtype.dict", true},
		{"segment-0001", false},
	}
	for _, c := range cases {
		node := &clpFileNode{owner: fsys, path: "/" + testArchive + "/" + c.name, archive: testArchive, name: c.name, isMetadata: c.isMetadata}
		var out fuse.AttrOut
		errno := node.Getattr(context.Background(), nil, &out)
		require.Equal(t, syscall.Errno(0), errno)
		assert.Equal(t, uint64(4*1024*1024*1024), out.Size)
	}
}

// metadata.db is the one canonical name whose Getattr blocks for, and
// reports, the true downloaded size.
func TestCLPFileNode_GetattrMetadataDBTrueSize(t *testing.T) {
	bodies := [][]byte{
		[]byte("logtype.dict-body"),
		[]byte("logtype.segindex-body"),
		[]byte("metadata-body"),
		[]byte("metadata.db-body!!"),
		[]byte("var.dict-body"),
		[]byte("var.segindex-body"),
	}
	merged := buildMergedMetadata(bodies)
	conv, err := objectpath.New("bucket", "", "/bucket")
	require.NoError(t, err)
	mergedKey, err := conv.KeyFromPath("/" + testArchive + "/merged_metadata")
	require.NoError(t, err)

	backend := &clpFakeBackend{merged: map[string][]byte{mergedKey: merged}}
	fsys := newTestCLPFS(t, backend)

	node := &clpFileNode{
		owner: fsys, path: "/" + testArchive + "/metadata.db", archive: testArchive,
		name: "metadata.db", mergedKey: mergedKey, isMetadata: true,
	}

	done := make(chan syscall.Errno, 1)
	var out fuse.AttrOut
	go func() {
		done <- node.Getattr(context.Background(), nil, &out)
	}()

	select {
	case errno := <-done:
		require.Equal(t, syscall.Errno(0), errno)
	case <-time.After(2 * time.Second):
		t.Fatal("Getattr on metadata.db did not return after the downloader populated it")
	}
	assert.Equal(t, uint64(len(bodies[3])), out.Size)
}

// A plain/segment file cannot be opened twice concurrently (spec.md §4.5,
// §6; Python original's opened_object_streams guard), but a metadata file
// open is never EBUSY-tracked at all.
func TestCLPFileNode_PlainFileDoubleOpenIsEBUSY(t *testing.T) {
	backend := &clpFakeBackend{merged: map[string][]byte{}}
	fsys := newTestCLPFS(t, backend)

	node := &clpFileNode{owner: fsys, path: "/" + testArchive + "/s/segment-0001", archive: testArchive, name: "segment-0001"}

	h1, _, errno := node.Open(context.Background(), syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, h1)

	_, _, errno = node.Open(context.Background(), syscall.O_RDONLY)
	assert.Equal(t, syscall.EBUSY, errno)

	handle := h1.(*clpFileHandle)
	require.Equal(t, syscall.Errno(0), handle.Release(context.Background()))

	h2, _, errno := node.Open(context.Background(), syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, h2)
}

func TestCLPFileNode_MetadataFileOpenNeverEBUSY(t *testing.T) {
	backend := &clpFakeBackend{merged: map[string][]byte{}}
	fsys := newTestCLPFS(t, backend)

	node := &clpFileNode{owner: fsys, path: "/" + testArchive + "/metadata", archive: testArchive, name: "metadata", isMetadata: true}

	for i := 0; i < 3; i++ {
		_, _, errno := node.Open(context.Background(), syscall.O_RDONLY)
		assert.Equal(t, syscall.Errno(0), errno)
	}
}

// A directory archive's Readdir always yields the six canonical names
// plus the two reserved subdirectories, regardless of what has actually
// been uploaded (spec.md GLOSSARY: an archive "contains metadata files
// and segment files").
func TestCLPDirNode_ArchiveReaddirIncludesReservedDirs(t *testing.T) {
	backend := &clpFakeBackend{merged: map[string][]byte{}}
	fsys := newTestCLPFS(t, backend)

	node := &clpDirNode{owner: fsys, path: "/" + testArchive, kind: clpDirArchive, archive: testArchive}
	stream, errno := node.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	names := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names[e.Name] = true
	}
	assert.True(t, names["s"])
	assert.True(t, names["l"])
	assert.True(t, names["metadata.db"])
	assert.True(t, names["metadata"])
}

// A reserved "s" subdirectory's Readdir is a real, scoped object listing
// under that archive's segment prefix, not a canned list.
func TestCLPDirNode_ReservedDirReaddirListsRealSegments(t *testing.T) {
	conv, err := objectpath.New("bucket", "", "/bucket")
	require.NoError(t, err)
	prefix, err := conv.KeyFromPath("/" + testArchive + "/s")
	require.NoError(t, err)
	prefix += "/"

	backend := &clpFakeBackend{
		merged: map[string][]byte{},
		listed: map[string][]types.ObjectInfo{
			prefix: {{Key: prefix + "segment-0001"}, {Key: prefix + "segment-0002"}},
		},
	}
	fsys := newTestCLPFS(t, backend)

	node := &clpDirNode{owner: fsys, path: "/" + testArchive + "/s", kind: clpDirReserved, archive: testArchive}
	stream, errno := node.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	names := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names[e.Name] = true
	}
	assert.True(t, names["segment-0001"])
	assert.True(t, names["segment-0002"])
}
