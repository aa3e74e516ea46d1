package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// ClientManager owns the pooled S3 client and the optional cargoship
// transporter used as the OpenWriteStream fast path.
type ClientManager struct {
	client      *s3.Client
	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	config      *Config
	logger      *slog.Logger
}

// NewClientManager loads AWS credentials, builds the pooled S3 client and,
// if enabled, the cargoship transporter.
func NewClientManager(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*ClientManager, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	optFns := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	client := s3.NewFromConfig(awsCfg, optFns)

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, optFns), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		cargoConfig := awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: multipartThreshold,
			MultipartChunkSize: multipartPartSize,
			Concurrency:        cfg.PoolSize,
		}
		transporter = cargoships3.NewTransporter(client, cargoConfig)
		logger.Info("cargoship S3 optimization enabled",
			"target_throughput_mbps", cfg.TargetThroughputMbps,
			"chunk_size", multipartPartSize,
			"concurrency", cfg.PoolSize)
	}

	return &ClientManager{
		client:      client,
		pool:        pool,
		transporter: transporter,
		config:      cfg,
		logger:      logger,
	}, nil
}

// GetClient returns the unpooled client (the one the cargoship transporter
// is built on) for single-shot calls where pool contention isn't a concern.
// The pool's background health checker probes pooled connections instead.
func (cm *ClientManager) GetClient() *s3.Client {
	return cm.client
}

// GetPooledClient borrows a client from the connection pool.
func (cm *ClientManager) GetPooledClient() *s3.Client {
	return cm.pool.Get()
}

// ReturnPooledClient returns a client to the connection pool.
func (cm *ClientManager) ReturnPooledClient(client *s3.Client) {
	cm.pool.Put(client)
}

// GetTransporter returns the cargoship transporter, or nil if disabled.
func (cm *ClientManager) GetTransporter() *cargoships3.Transporter {
	return cm.transporter
}

// GetPool returns the connection pool for statistics reporting.
func (cm *ClientManager) GetPool() *ConnectionPool {
	return cm.pool
}

// HealthCheck probes bucket reachability with a HeadBucket call.
func (cm *ClientManager) HealthCheck(ctx context.Context, bucket string) error {
	client := cm.GetPooledClient()
	defer cm.ReturnPooledClient(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (cm *ClientManager) Close() error {
	return cm.pool.Close()
}

// GetStats returns connection pool statistics.
func (cm *ClientManager) GetStats() PoolStats {
	return cm.pool.Stats()
}
