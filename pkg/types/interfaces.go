package types

import (
	"context"
	"io"
	"time"
)

// Backend defines the object-store operations the filesystem layer needs.
// internal/storage/s3.Backend is the production implementation; tests use a
// fake that satisfies this interface directly.
type Backend interface {
	// OpenReadStream returns a ranged read of key starting at offset. A
	// length of -1 requests everything from offset to the end of the
	// object. The caller must Close the returned reader.
	OpenReadStream(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// OpenWriteStream returns a writer that uploads key as its Write calls
	// arrive, in order, completing the upload on Close.
	OpenWriteStream(ctx context.Context, key string) (io.WriteCloser, error)

	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// ListObjects lists every object under prefix, paging internally.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	HealthCheck(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface used by the
// three mount variants.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(component string)
	RecordCacheMiss(component string)
	RecordError(operation string, err error)
}

// HealthChecker defines the mount health-probe interface.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}
