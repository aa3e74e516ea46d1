/*
Package s3 implements types.Backend against Amazon S3 or an S3-compatible
endpoint, with an optional cargoship fast path for small-object uploads.

# Streaming model

OpenReadStream returns the GetObject response body directly as an
io.ReadCloser; the package never buffers a whole object into memory for
reads. OpenWriteStream buffers writes locally. A stream whose buffer never
grows past Config.MultipartThreshold completes on Close as a single
PutObject (via cargoship when enabled, falling back to a plain PutObject
on failure); the first Write that takes the buffer past the threshold
promotes the stream to a real multipart upload, one part per
Config.MultipartChunkSize bytes, tracked with a MultipartUploadState.

# Connection pooling

ClientManager owns a ConnectionPool of *s3.Client values and a background
HealthChecker goroutine that periodically probes the pool with
ListBuckets and drops connections that fail the probe; later Gets create
new ones while the pool is below its size.

# Configuration

	cfg := s3.NewDefaultConfig()
	cfg.Region = "us-west-2"
	cfg.MultipartThreshold = 32 * 1024 * 1024
	cfg.EnableCargoShipOptimization = true

	backend, err := s3.NewBackend(ctx, "my-bucket", cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer backend.Close()

	r, err := backend.OpenReadStream(ctx, "archive/log.clp.zst", 0, -1)
	...
	w, err := backend.OpenWriteStream(ctx, "archive/log.clp.zst")
	...
*/
package s3
