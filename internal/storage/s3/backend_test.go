package s3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}

	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, time.Duration(0), cfg.ConnectTimeout)
	assert.Equal(t, time.Duration(0), cfg.RequestTimeout)
	assert.Equal(t, 0, cfg.PoolSize)
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.True(t, cfg.EnableCargoShipOptimization)
}

func TestNewBackend_EmptyBucket(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Region: "us-east-1"}

	backend, err := NewBackend(ctx, "", cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, backend)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")
}

func TestBackendMetrics_InitialState(t *testing.T) {
	metrics := BackendMetrics{}

	assert.Equal(t, int64(0), metrics.Requests)
	assert.Equal(t, int64(0), metrics.Errors)
	assert.Equal(t, int64(0), metrics.BytesUploaded)
	assert.Equal(t, int64(0), metrics.BytesDownloaded)
	assert.Equal(t, time.Duration(0), metrics.AverageLatency)
	assert.Equal(t, "", metrics.LastError)
	assert.True(t, metrics.LastErrorTime.IsZero())
}

func TestBackend_recordMetrics(t *testing.T) {
	backend := &Backend{}

	assert.Equal(t, int64(0), backend.metrics.Requests)
	assert.Equal(t, int64(0), backend.metrics.Errors)

	backend.recordMetrics(100*time.Millisecond, false)
	assert.Equal(t, int64(1), backend.metrics.Requests)
	assert.Equal(t, int64(0), backend.metrics.Errors)
	assert.Equal(t, 100*time.Millisecond, backend.metrics.AverageLatency)

	backend.recordMetrics(200*time.Millisecond, true)
	assert.Equal(t, int64(2), backend.metrics.Requests)
	assert.Equal(t, int64(1), backend.metrics.Errors)

	expectedAvg := time.Duration((int64(100*time.Millisecond)*9 + int64(200*time.Millisecond)) / 10)
	assert.Equal(t, expectedAvg, backend.metrics.AverageLatency)
}

func TestBackend_recordError(t *testing.T) {
	backend := &Backend{}
	err := assert.AnError

	backend.recordError(err)

	assert.Equal(t, err.Error(), backend.metrics.LastError)
	assert.False(t, backend.metrics.LastErrorTime.IsZero())
}

func TestBackend_GetMetrics(t *testing.T) {
	backend := &Backend{}

	backend.recordMetrics(100*time.Millisecond, false)
	backend.recordError(assert.AnError)

	metrics := backend.GetMetrics()

	assert.Equal(t, int64(1), metrics.Requests)
	assert.Equal(t, assert.AnError.Error(), metrics.LastError)
	assert.False(t, metrics.LastErrorTime.IsZero())
}

func TestMultipartWriter_SmallStreamStaysSinglePart(t *testing.T) {
	w := &multipartWriter{
		ctx:      context.Background(),
		backend:  &Backend{config: NewDefaultConfig()},
		key:      "small-object",
		partSize: 16 * 1024 * 1024,
	}

	n, err := w.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Empty(t, w.uploadID, "a stream under the multipart threshold should not start a multipart upload")
}

func BenchmarkRecordMetrics(b *testing.B) {
	backend := &Backend{}
	duration := 100 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.recordMetrics(duration, i%10 == 0)
	}
}
