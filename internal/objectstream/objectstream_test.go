package objectstream

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clp-compress/s3fuse/pkg/types"
)

type fakeBackend struct {
	content []byte
}

func (f *fakeBackend) OpenReadStream(_ context.Context, _ string, offset, length int64) (io.ReadCloser, error) {
	data := f.content[offset:]
	if length >= 0 && int64(len(data)) > length {
		data = data[:length]
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}
func (f *fakeBackend) OpenWriteStream(context.Context, string) (io.WriteCloser, error) { return nil, nil }
func (f *fakeBackend) DeleteObject(context.Context, string) error                      { return nil }
func (f *fakeBackend) HeadObject(context.Context, string) (*types.ObjectInfo, error)   { return nil, nil }
func (f *fakeBackend) ListObjects(context.Context, string) ([]types.ObjectInfo, error) { return nil, nil }
func (f *fakeBackend) HealthCheck(context.Context) error                               { return nil }

func TestReader_S1SmallFileEagerDrain(t *testing.T) {
	content := strings.Repeat("x", 1024)
	backend := &fakeBackend{content: []byte(content)}

	r, err := Open(context.Background(), backend, "a/x.bin", 1024)
	require.NoError(t, err)
	assert.NotNil(t, r.mem)

	data, err := r.Read(1024, 0)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	data, err = r.Read(64, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, r.Close())
}

func TestReader_SequentialReadsAdvanceWithoutSeek(t *testing.T) {
	content := strings.Repeat("ab", 200000) // larger than SmallFileThreshold
	backend := &fakeBackend{content: []byte(content)}

	r, err := Open(context.Background(), backend, "a/big.bin", int64(len(content)))
	require.NoError(t, err)
	assert.Nil(t, r.mem)

	first, err := r.Read(10, 0)
	require.NoError(t, err)
	assert.Equal(t, content[:10], string(first))

	second, err := r.Read(10, 10)
	require.NoError(t, err)
	assert.Equal(t, content[10:20], string(second))

	require.NoError(t, r.Close())
}

func TestReader_OffsetMismatchReseeks(t *testing.T) {
	content := strings.Repeat("ab", 200000)
	backend := &fakeBackend{content: []byte(content)}

	r, err := Open(context.Background(), backend, "a/big.bin", int64(len(content)))
	require.NoError(t, err)

	data, err := r.Read(10, 500)
	require.NoError(t, err)
	assert.Equal(t, content[500:510], string(data))

	require.NoError(t, r.Close())
}

type collectingWriteCloser struct {
	written []byte
	closed  bool
}

func (c *collectingWriteCloser) Write(p []byte) (int, error) {
	c.written = append(c.written, p...)
	return len(p), nil
}
func (c *collectingWriteCloser) Close() error { c.closed = true; return nil }

func TestWriter_SequentialWritesSucceedOutOfOrderFails(t *testing.T) {
	cwc := &collectingWriteCloser{}
	w := &Writer{stream: cwc, key: "a/out.bin"}

	n, err := w.Write([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = w.Write([]byte("bad"), 10)
	assert.Error(t, err)

	n, err = w.Write([]byte(" world"), 5)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, w.Release())
	assert.True(t, cwc.closed)
	assert.Equal(t, "hello world", string(cwc.written))
}
