// Package s3 implements the object-store Backend against Amazon S3 (or any
// S3-compatible endpoint), with an optional cargoship fast path for write
// streams that stay under the multipart threshold.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/clp-compress/s3fuse/pkg/types"
)

// Backend implements types.Backend against an S3 bucket.
type Backend struct {
	clients *ClientManager
	bucket  string
	config  *Config
	logger  *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewBackend dials the bucket and runs a HeadBucket health check before
// returning.
func NewBackend(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	clients, err := NewClientManager(ctx, bucket, cfg, logger.With("component", "s3-backend", "bucket", bucket))
	if err != nil {
		return nil, err
	}

	backend := &Backend{
		clients: clients,
		bucket:  bucket,
		config:  cfg,
		logger:  logger.With("component", "s3-backend", "bucket", bucket),
	}

	if err := backend.HealthCheck(ctx); err != nil {
		clients.Close()
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}

	return backend, nil
}

// OpenReadStream issues a ranged GetObject and returns its body directly as
// a streaming reader; it does not buffer the object into memory.
func (b *Backend) OpenReadStream(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	start := time.Now()

	var rangeHeader *string
	switch {
	case offset == 0 && length < 0:
		// Full object, no Range header needed.
	case length < 0:
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
	default:
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	client := b.clients.GetPooledClient()
	defer b.clients.ReturnPooledClient(client)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	b.recordMetrics(time.Since(start), err != nil)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "GetObject", key)
	}

	return &countingReadCloser{body: result.Body, backend: b}, nil
}

type countingReadCloser struct {
	body    io.ReadCloser
	backend *Backend
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.body.Read(p)
	if n > 0 {
		c.backend.mu.Lock()
		c.backend.metrics.BytesDownloaded += int64(n)
		c.backend.mu.Unlock()
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	return c.body.Close()
}

// OpenWriteStream returns a writer that accumulates data in memory up to
// the configured multipart threshold. Streams that stay under the
// threshold complete as a single PutObject on Close; larger streams are
// promoted to a real multipart upload, one part per ChunkSize bytes,
// tracked with a MultipartUploadState. Uploads below the threshold take
// the cargoship fast path when it's enabled.
func (b *Backend) OpenWriteStream(ctx context.Context, key string) (io.WriteCloser, error) {
	return &multipartWriter{
		ctx:     ctx,
		backend: b,
		key:     key,
		partSize: func() int64 {
			if b.config.MultipartChunkSize > 0 {
				return b.config.MultipartChunkSize
			}
			return multipartPartSize
		}(),
	}, nil
}

// multipartWriter buffers writes and lazily decides between a single
// PutObject (small streams) and a real multipart upload (large streams).
type multipartWriter struct {
	ctx     context.Context
	backend *Backend
	key     string

	partSize int64
	buf      bytes.Buffer

	uploadID     string
	state        *MultipartUploadState
	parts        []s3types.CompletedPart
	totalWritten int64
	start        time.Time
	closed       bool
}

func (w *multipartWriter) Write(p []byte) (int, error) {
	if w.start.IsZero() {
		w.start = time.Now()
	}
	n, err := w.buf.Write(p)
	w.totalWritten += int64(n)
	if err != nil {
		return n, err
	}

	if w.uploadID == "" && int64(w.buf.Len()) <= w.backend.config.MultipartThreshold {
		return n, nil
	}

	if w.uploadID == "" {
		if err := w.startMultipart(); err != nil {
			return n, err
		}
	}

	for int64(w.buf.Len()) >= w.partSize {
		if err := w.flushPart(w.buf.Next(int(w.partSize))); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *multipartWriter) startMultipart() error {
	client := w.backend.clients.GetPooledClient()
	defer w.backend.clients.ReturnPooledClient(client)

	out, err := client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(w.backend.bucket),
		Key:    aws.String(w.key),
	})
	if err != nil {
		return w.backend.translateError(err, "CreateMultipartUpload", w.key)
	}

	w.uploadID = aws.ToString(out.UploadId)
	w.state = NewMultipartUploadState(w.uploadID, w.backend.bucket, w.key, -1, w.partSize)
	w.backend.logger.Debug("multipart upload started", "key", w.key, "upload_id", w.uploadID)
	return nil
}

func (w *multipartWriter) flushPart(data []byte) error {
	partNumber := int32(len(w.parts) + 1)

	client := w.backend.clients.GetPooledClient()
	defer w.backend.clients.ReturnPooledClient(client)

	out, err := client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.backend.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		w.state.MarkPartFailed(int(partNumber), err)
		return w.backend.translateError(err, "UploadPart", w.key)
	}

	etag := aws.ToString(out.ETag)
	w.state.MarkPartCompleted(int(partNumber), int64(len(data)), etag)
	w.parts = append(w.parts, s3types.CompletedPart{
		ETag:       aws.String(etag),
		PartNumber: aws.Int32(partNumber),
	})

	w.backend.mu.Lock()
	w.backend.metrics.MultipartUploadsParts++
	w.backend.metrics.MultipartBytes += int64(len(data))
	w.backend.mu.Unlock()

	return nil
}

func (w *multipartWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.uploadID == "" {
		return w.putWhole()
	}

	if w.buf.Len() > 0 {
		if err := w.flushPart(w.buf.Bytes()); err != nil {
			w.abortMultipart()
			return err
		}
		w.buf.Reset()
	}

	client := w.backend.clients.GetPooledClient()
	defer w.backend.clients.ReturnPooledClient(client)

	_, err := client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.backend.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.backend.mu.Lock()
		w.backend.metrics.MultipartUploadsFailed++
		w.backend.mu.Unlock()
		w.abortMultipart()
		return w.backend.translateError(err, "CompleteMultipartUpload", w.key)
	}

	w.backend.mu.Lock()
	w.backend.metrics.MultipartUploads++
	w.backend.metrics.MultipartUploadsCompleted++
	w.backend.metrics.BytesUploaded += w.totalWritten
	w.backend.mu.Unlock()

	w.backend.logger.Debug("multipart upload completed",
		"key", w.key, "upload_id", w.uploadID, "bytes", w.totalWritten, "parts", len(w.parts))
	return nil
}

func (w *multipartWriter) abortMultipart() {
	client := w.backend.clients.GetPooledClient()
	defer w.backend.clients.ReturnPooledClient(client)

	_, err := client.AbortMultipartUpload(w.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.backend.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		w.backend.logger.Warn("failed to abort multipart upload", "key", w.key, "upload_id", w.uploadID, "error", err)
	}
}

// putWhole uploads the whole (small) buffered stream as a single object,
// taking the cargoship fast path when it's enabled.
func (w *multipartWriter) putWhole() error {
	data := w.buf.Bytes()

	if transporter := w.backend.clients.GetTransporter(); transporter != nil {
		archive := cargoships3.Archive{
			Key:          w.key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
		}
		result, err := transporter.Upload(w.ctx, archive)
		if err == nil {
			w.backend.logger.Debug("cargoship upload completed",
				"key", w.key, "size", len(data), "throughput", result.Throughput, "duration", result.Duration)
			w.backend.mu.Lock()
			w.backend.metrics.BytesUploaded += int64(len(data))
			w.backend.mu.Unlock()
			return nil
		}
		w.backend.logger.Warn("cargoship upload failed, falling back to PutObject", "key", w.key, "error", err)
	}

	client := w.backend.clients.GetPooledClient()
	defer w.backend.clients.ReturnPooledClient(client)

	_, err := client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.backend.bucket),
		Key:           aws.String(w.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		w.backend.recordError(err)
		return w.backend.translateError(err, "PutObject", w.key)
	}

	w.backend.mu.Lock()
	w.backend.metrics.BytesUploaded += int64(len(data))
	w.backend.mu.Unlock()
	return nil
}

// DeleteObject removes an object from S3.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	client := b.clients.GetPooledClient()
	defer b.clients.ReturnPooledClient(client)

	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.recordMetrics(time.Since(start), err != nil)
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "DeleteObject", key)
	}
	return nil
}

// HeadObject retrieves metadata about an object.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	client := b.clients.GetPooledClient()
	defer b.clients.ReturnPooledClient(client)

	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.recordMetrics(time.Since(start), err != nil)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// ListObjects lists every object under prefix, following continuation
// tokens until S3 reports the listing is complete.
func (b *Backend) ListObjects(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	start := time.Now()
	client := b.clients.GetPooledClient()
	defer b.clients.ReturnPooledClient(client)

	var objects []types.ObjectInfo
	var continuationToken *string

	for {
		result, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			b.recordMetrics(time.Since(start), true)
			b.recordError(err)
			return nil, b.translateError(err, "ListObjects", prefix)
		}

		for _, obj := range result.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}

		if !aws.ToBool(result.IsTruncated) {
			break
		}
		continuationToken = result.NextContinuationToken
	}

	b.recordMetrics(time.Since(start), false)
	return objects, nil
}

// HealthCheck probes bucket reachability.
func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.clients.HealthCheck(ctx, b.bucket)
}

// GetMetrics returns current backend metrics.
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// GetPoolStats returns connection pool statistics.
func (b *Backend) GetPoolStats() PoolStats {
	return b.clients.GetStats()
}

// Close releases the backend's connection pool.
func (b *Backend) Close() error {
	return b.clients.Close()
}

func (b *Backend) recordMetrics(duration time.Duration, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Requests++
	if isError {
		b.metrics.Errors++
	}
	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = duration
	} else {
		b.metrics.AverageLatency = time.Duration(
			(int64(b.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return fmt.Errorf("object not found: %s", key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return fmt.Errorf("bucket not found: %s", b.bucket)
	default:
		return fmt.Errorf("%s failed for %s: %w", operation, key, err)
	}
}

// isErrorType checks if an error is of a specific type.
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
