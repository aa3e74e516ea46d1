// Package types defines the core interfaces and data structures shared
// across s3fuse: the Backend object-store abstraction, metrics/health
// interfaces, and the metadata value types (ObjectInfo, FileMetadata,
// HealthStatus) that flow between internal/storage/s3, internal/attrcache,
// internal/objectstream, and internal/fuse.
package types
