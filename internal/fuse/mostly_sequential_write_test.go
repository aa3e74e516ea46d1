package fuse

import (
	"context"
	"io"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/types"
)

type writeFakeBackend struct{}

func (writeFakeBackend) OpenReadStream(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (writeFakeBackend) OpenWriteStream(context.Context, string) (io.WriteCloser, error) {
	return nil, nil
}
func (writeFakeBackend) DeleteObject(context.Context, string) error { return nil }
func (writeFakeBackend) HeadObject(context.Context, string) (*types.ObjectInfo, error) {
	return nil, nil
}
func (writeFakeBackend) ListObjects(context.Context, string) ([]types.ObjectInfo, error) {
	return nil, nil
}
func (writeFakeBackend) HealthCheck(context.Context) error { return nil }

func newTestWriteFS(t *testing.T) *MostlySequentialWriteFS {
	t.Helper()
	conv, err := objectpath.New("bucket", "", "/bucket")
	require.NoError(t, err)
	return NewMostlySequentialWriteFS(writeFakeBackend{}, conv, t.TempDir(), nil)
}

// A previously-created plain/segment file can never be reopened, not even
// read-only, unless its basename is a generated metadata side file
// (spec.md §4.6).
func TestWriteFileNode_OpenAlwaysEACCES(t *testing.T) {
	fsys := newTestWriteFS(t)
	fsys.registerSegment("", "/segment-0001")

	node := &writeFileNode{owner: fsys, path: "/segment-0001"}
	_, _, errno := node.Open(context.Background(), syscall.O_RDONLY)
	assert.Equal(t, syscall.EACCES, errno)
}

func TestWriteFileNode_OpenRejectsWriteFlagsToo(t *testing.T) {
	fsys := newTestWriteFS(t)
	node := &writeFileNode{owner: fsys, path: "/segment-0002"}
	_, _, errno := node.Open(context.Background(), syscall.O_RDWR)
	assert.Equal(t, syscall.EACCES, errno)
}
