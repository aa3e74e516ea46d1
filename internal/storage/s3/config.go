package s3

import "time"

// Config is the S3 backend configuration.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// MultipartThreshold is the object size above which OpenWriteStream
	// uses multipart upload instead of a single PutObject.
	MultipartThreshold   int64 `yaml:"multipart_threshold"`
	MultipartChunkSize   int64 `yaml:"multipart_chunk_size"`
	MultipartConcurrency int   `yaml:"multipart_concurrency"`

	// EnableCargoShipOptimization turns on the cargoship transporter that
	// OpenWriteStream uses for streams under MultipartThreshold, falling
	// back to a plain PutObject on failure.
	EnableCargoShipOptimization bool    `yaml:"enable_cargoship_optimization"`
	TargetThroughputMbps        float64 `yaml:"target_throughput_mbps"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:                  3,
		ConnectTimeout:              10 * time.Second,
		RequestTimeout:              30 * time.Second,
		PoolSize:                    8,
		MultipartThreshold:          32 * 1024 * 1024,
		MultipartChunkSize:          16 * 1024 * 1024,
		MultipartConcurrency:        8,
		EnableCargoShipOptimization: true,
		TargetThroughputMbps:        800.0,
	}
}

// ShouldUseMultipart reports whether an object of fileSize should be
// uploaded via multipart rather than a single PutObject.
func (c *Config) ShouldUseMultipart(fileSize int64) bool {
	return fileSize > c.MultipartThreshold
}

// GetOptimalChunkSize returns the size-scaled part size from
// CalculateOptimalChunkSize for an object of fileSize. OpenWriteStream does
// not call it: its parts are always MultipartChunkSize bytes.
func (c *Config) GetOptimalChunkSize(fileSize int64) int64 {
	return CalculateOptimalChunkSize(fileSize, c.MultipartThreshold, c.MultipartChunkSize)
}
