package objectpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyBucket(t *testing.T) {
	_, err := New("", "logs", "")
	assert.Error(t, err)
}

func TestNew_RejectsRedundantPrefixSegments(t *testing.T) {
	_, err := New("bucket", "a//b", "")
	assert.Error(t, err)

	_, err = New("bucket", "a/../b", "")
	assert.Error(t, err)
}

func TestNew_RejectsStripPrefixNotAPrefix(t *testing.T) {
	_, err := New("bucket", "logs", "/other")
	assert.Error(t, err)
}

func TestPathFromKey(t *testing.T) {
	c, err := New("bucket", "logs", "/bucket/logs")
	require.NoError(t, err)

	path, err := c.PathFromKey("logs/a/x.bin")
	require.NoError(t, err)
	assert.Equal(t, "/a/x.bin", path)
}

func TestPathFromKey_RejectsAbsoluteOrTrailingSlash(t *testing.T) {
	c, err := New("bucket", "logs", "")
	require.NoError(t, err)

	_, err = c.PathFromKey("/a/x.bin")
	assert.Error(t, err)

	_, err = c.PathFromKey("a/dir/")
	assert.Error(t, err)
}

func TestURIFromPath(t *testing.T) {
	c, err := New("bucket", "logs", "/bucket/logs")
	require.NoError(t, err)

	assert.Equal(t, "s3://bucket/logs/a/x.bin", c.URIFromPath("/a/x.bin"))
	assert.Equal(t, "s3://bucket/logs", c.URIFromPath("/"))
}

func TestKeyFromPath_RoundTrips(t *testing.T) {
	c, err := New("bucket", "logs", "/bucket/logs")
	require.NoError(t, err)

	path, err := c.PathFromKey("logs/a/x.bin")
	require.NoError(t, err)

	key, err := c.KeyFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "logs/a/x.bin", key)
}
