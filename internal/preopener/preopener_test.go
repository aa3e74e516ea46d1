package preopener

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/types"
)

type fakeBackend struct {
	data map[string]string
}

func (f *fakeBackend) OpenReadStream(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	content := f.data[key]
	data := []byte(content)[offset:]
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

func setup(t *testing.T) (*attrcache.Cache, *fakeBackend, *objectpath.Converter) {
	t.Helper()
	backend := &fakeBackend{data: map[string]string{
		"a": "AAAA", "b": "BBBB", "c": "CCCC",
	}}
	conv, err := objectpath.New("bucket", "", "/bucket")
	require.NoError(t, err)
	cache := attrcache.New()

	objs := []types.ObjectInfo{{Key: "a", Size: 4}, {Key: "b", Size: 4}, {Key: "c", Size: 4}}
	listBackend := &listOnce{objs: objs}
	require.NoError(t, cache.Populate(context.Background(), listBackend, conv))
	return cache, backend, conv
}

type listOnce struct{ objs []types.ObjectInfo }

func (l *listOnce) OpenReadStream(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return nil, nil
}
func (l *listOnce) OpenWriteStream(context.Context, string) (io.WriteCloser, error) { return nil, nil }
func (l *listOnce) DeleteObject(context.Context, string) error                      { return nil }
func (l *listOnce) HeadObject(context.Context, string) (*types.ObjectInfo, error)   { return nil, nil }
func (l *listOnce) ListObjects(context.Context, string) ([]types.ObjectInfo, error) { return l.objs, nil }
func (l *listOnce) HealthCheck(context.Context) error                              { return nil }

func TestPreOpener_S3OrderedPreOpen(t *testing.T) {
	cache, backend, conv := setup(t)
	p := New(cache, backend, conv, 16)

	done := make(chan struct{})
	go func() { p.Run(context.Background()); close(done) }()

	for _, path := range []string{"/a", "/b", "/c"} {
		s, err := p.OpenOrdered(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, path, s.Path)
		require.NoError(t, p.Release(s))
	}

	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pre-opener thread did not exit after Stop")
	}
}

func TestPreOpener_S4OutOfOrderDrop(t *testing.T) {
	cache, backend, conv := setup(t)
	p := New(cache, backend, conv, 16)

	go p.Run(context.Background())
	defer p.Stop()

	// Give the pre-opener a moment to queue all three streams.
	time.Sleep(20 * time.Millisecond)

	s, err := p.OpenOrdered(context.Background(), "/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", s.Path)
	assert.False(t, cache.IsOrderedReadPending("/b"), "opening /b should clear its pending flag")
}

func TestPreOpener_UnorderedOpenFallsBackToFresh(t *testing.T) {
	cache, backend, conv := setup(t)
	p := New(cache, backend, conv, 16)
	defer p.Stop()

	s, err := p.OpenUnordered(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, "/a", s.Path)
	assert.False(t, cache.IsOrderedReadPending("/a"))
}
