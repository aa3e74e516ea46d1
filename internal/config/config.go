// Package config defines the mount configuration for s3fuse: object-store
// connection settings, FUSE mount behavior, and the on-disk metadata cache
// used by the CLP sequential-read mount.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete mount configuration.
type Configuration struct {
	Store   StoreConfig   `yaml:"store"`
	Mount   MountConfig   `yaml:"mount"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig describes the S3-compatible object store backing the mount.
type StoreConfig struct {
	Bucket          string        `yaml:"bucket"`
	KeyPrefix       string        `yaml:"key_prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	MaxRetries      int           `yaml:"max_retries"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PoolSize        int           `yaml:"pool_size"`

	// EnableCargoShipOptimization turns on the scttfrdmn/cargoship optimized
	// multipart transporter for the mostly-sequential-write mount's segment
	// and merged-metadata uploads, falling back to the plain S3 client on
	// failure.
	EnableCargoShipOptimization bool    `yaml:"enable_cargoship_optimization"`
	TargetThroughputMbps        float64 `yaml:"target_throughput_mbps"`
}

// MountConfig describes FUSE-level mount behavior.
type MountConfig struct {
	MountDir     string        `yaml:"mount_dir"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	DefaultUID   uint32        `yaml:"default_uid"`
	DefaultGID   uint32        `yaml:"default_gid"`
}

// CacheConfig describes on-disk caching used by the CLP sequential-read and
// mostly-sequential-write mounts.
type CacheConfig struct {
	Directory string `yaml:"directory"`

	// MaxPreopenedStreams bounds the pre-opener hand-off queue (spec §4.4).
	MaxPreopenedStreams int `yaml:"max_preopened_streams"`

	// MaxFileSize is the merged-metadata object size cutoff above which the
	// downloader thread spills an archive's canonical files to scratch
	// files under the mount's cache directory instead of holding them in
	// memory (spec §4.5, internal/metadatacache.Cache).
	MaxFileSize int64 `yaml:"max_file_size"`

	// CLPFakeFileSize is the synthetic size the CLP sequential-read mount
	// reports from getattr for non-metadata files, since their true size
	// is unknown without opening the object (spec §4.5, §6). metadata.db
	// is the one file that reports its true size once downloaded.
	CLPFakeFileSize int64 `yaml:"clp_fake_file_size"`

	// DownloaderPollInterval is passed to the metrics collector as its
	// periodic update interval (cmd/s3fuse/main.go); the CLP metadata
	// downloader does not read it.
	DownloaderPollInterval time.Duration `yaml:"downloader_poll_interval"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Store: StoreConfig{
			ForcePathStyle:              false,
			MaxRetries:                  3,
			ConnectTimeout:              10 * time.Second,
			RequestTimeout:              30 * time.Second,
			PoolSize:                    8,
			EnableCargoShipOptimization: true,
			TargetThroughputMbps:        800.0,
		},
		Mount: MountConfig{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			DefaultUID:   uint32(os.Getuid()),
			DefaultGID:   uint32(os.Getgid()),
		},
		Cache: CacheConfig{
			Directory:              filepath.Join(os.TempDir(), "s3fuse-cache"),
			MaxPreopenedStreams:    16,
			MaxFileSize:            128 * 1024 * 1024,
			CLPFakeFileSize:        4 * 1024 * 1024 * 1024, // 4 GiB
			DownloaderPollInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration fields from S3FUSE_* environment
// variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("S3FUSE_BUCKET"); val != "" {
		c.Store.Bucket = val
	}
	if val := os.Getenv("S3FUSE_KEY_PREFIX"); val != "" {
		c.Store.KeyPrefix = val
	}
	if val := os.Getenv("S3FUSE_REGION"); val != "" {
		c.Store.Region = val
	}
	if val := os.Getenv("S3FUSE_ENDPOINT"); val != "" {
		c.Store.Endpoint = val
	}
	if val := os.Getenv("S3FUSE_FORCE_PATH_STYLE"); val != "" {
		c.Store.ForcePathStyle = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("S3FUSE_ACCESS_KEY_ID"); val != "" {
		c.Store.AccessKeyID = val
	}
	if val := os.Getenv("S3FUSE_SECRET_ACCESS_KEY"); val != "" {
		c.Store.SecretAccessKey = val
	}
	if val := os.Getenv("S3FUSE_SESSION_TOKEN"); val != "" {
		c.Store.SessionToken = val
	}
	if val := os.Getenv("S3FUSE_MOUNT_DIR"); val != "" {
		c.Mount.MountDir = val
	}
	if val := os.Getenv("S3FUSE_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("S3FUSE_CACHE_DIR"); val != "" {
		c.Cache.Directory = val
	}
	if val := os.Getenv("S3FUSE_MAX_PREOPENED_STREAMS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxPreopenedStreams = n
		}
	}
	if val := os.Getenv("S3FUSE_MAX_FILE_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MaxFileSize = n
		}
	}
	if val := os.Getenv("S3FUSE_CLP_FAKE_FILE_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.CLPFakeFileSize = n
		}
	}
	if val := os.Getenv("S3FUSE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("S3FUSE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("S3FUSE_METRICS_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = n
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for the constraints spec.md requires of
// a mount: an absolute mount directory, a bucket, and a key prefix with no
// redundant path segments.
func (c *Configuration) Validate() error {
	if c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required")
	}

	if c.Mount.MountDir == "" {
		return fmt.Errorf("mount.mount_dir is required")
	}
	if !filepath.IsAbs(c.Mount.MountDir) {
		return fmt.Errorf("mount.mount_dir must be an absolute path: %s", c.Mount.MountDir)
	}

	clean := filepath.Clean(c.Store.KeyPrefix)
	if c.Store.KeyPrefix != "" && (clean != strings.TrimSuffix(c.Store.KeyPrefix, "/") || strings.Contains(c.Store.KeyPrefix, "..")) {
		return fmt.Errorf("store.key_prefix must not contain redundant or traversal segments: %s", c.Store.KeyPrefix)
	}

	if c.Cache.MaxPreopenedStreams <= 0 {
		return fmt.Errorf("cache.max_preopened_streams must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Logging.Level, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	return nil
}
