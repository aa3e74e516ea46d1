// Command s3fuse mounts an S3-compatible object store as a POSIX
// filesystem in one of three variants (spec.md §4.4-§4.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clp-compress/s3fuse/internal/config"
	"github.com/clp-compress/s3fuse/internal/fuse"
	"github.com/clp-compress/s3fuse/internal/health"
	"github.com/clp-compress/s3fuse/internal/metrics"
	"github.com/clp-compress/s3fuse/internal/storage/s3"
	pkghealth "github.com/clp-compress/s3fuse/pkg/health"
	"github.com/clp-compress/s3fuse/pkg/recovery"
	"github.com/clp-compress/s3fuse/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "s3fuse:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		variant    = flag.String("variant", "sequential-read", "mount variant: sequential-read, clp-sequential-read, or mostly-sequential-write")
		configPath = flag.String("config", "", "path to a YAML configuration file (S3FUSE_* environment variables override its values)")
		mountDir   = flag.String("mount", "", "directory to mount at (required)")
		bucket     = flag.String("bucket", "", "S3 bucket name (overrides config)")
		keyPrefix  = flag.String("prefix", "", "object key prefix to mount (overrides config)")
	)
	flag.Parse()

	if *mountDir == "" {
		return fmt.Errorf("-mount is required")
	}
	absMountDir, err := filepath.Abs(*mountDir)
	if err != nil {
		return fmt.Errorf("resolving mount directory: %w", err)
	}
	mountDir = &absMountDir

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("loading environment overrides: %w", err)
	}
	if *bucket != "" {
		cfg.Store.Bucket = *bucket
	}
	if *keyPrefix != "" {
		cfg.Store.KeyPrefix = *keyPrefix
	}
	cfg.Mount.MountDir = *mountDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()
	logger = logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cacheDir, err := fuse.PrepareMountPoint(*mountDir)
	if err != nil {
		return fmt.Errorf("preparing mount point: %w", err)
	}

	backend, closeBackend, err := connectBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		Port:           cfg.Metrics.Port,
		Path:           cfg.Metrics.Path,
		Namespace:      "s3fuse",
		UpdateInterval: cfg.Cache.DownloaderPollInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	if err := metricsCollector.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	defer metricsCollector.Stop(context.Background())

	variantLogger := logger.WithMountVariant(*variant)

	manager, err := mountVariant(ctx, *variant, cfg, backend, metricsCollector, *mountDir, cacheDir)
	if err != nil {
		_ = fuse.TeardownMountPoint(*mountDir, cacheDir)
		return err
	}
	variantLogger.Info("mounted", map[string]interface{}{"mount": *mountDir, "bucket": cfg.Store.Bucket})

	tracker := pkghealth.NewTracker(pkghealth.DefaultConfig())
	tracker.RegisterComponent("backend")
	logDegradation(tracker, logger)

	checker, err := newMountHealthChecker(backend, manager, tracker)
	if err != nil {
		return fmt.Errorf("initializing health checker: %w", err)
	}
	if err := checker.Start(ctx); err != nil {
		return fmt.Errorf("starting health checker: %w", err)
	}
	defer checker.Stop()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	if err := manager.Unmount(); err != nil {
		logger.Error("unmount failed", map[string]interface{}{"error": err.Error()})
	}
	return fuse.TeardownMountPoint(*mountDir, cacheDir)
}

// logDegradation reports backend health-state transitions (repeated
// HealthCheck failures past tracker's ErrorThreshold/UnavailableThreshold)
// so a degraded or unavailable backend shows up in the logs before the
// mount itself becomes unresponsive.
func logDegradation(tracker *pkghealth.Tracker, logger *utils.StructuredLogger) {
	cb := func(component string, oldState, newState pkghealth.HealthState, err error) {
		fields := map[string]interface{}{"component": component, "from": oldState.String(), "to": newState.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Warn("backend health state changed", fields)
	}
	tracker.AddStateChangeCallback(pkghealth.StateDegraded, cb)
	tracker.AddStateChangeCallback(pkghealth.StateUnavailable, cb)
	tracker.AddStateChangeCallback(pkghealth.StateReadOnly, cb)
	tracker.AddStateChangeCallback(pkghealth.StateHealthy, cb)
}

// connectBackend establishes the object store connection with retry/backoff
// (spec.md §4.1: a cold object store at mount time should not be fatal on
// the first attempt). Ongoing liveness after the mount is up is the job of
// the health checker registered in newMountHealthChecker, not this retry
// loop, so the connection manager's own health-check loop stays disabled:
// a reconnect here would hand back a new *s3.Backend that the already
// constructed mount variant has no way to pick up.
func connectBackend(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (*s3.Backend, func() error, error) {
	rc := recovery.DefaultConnectionConfig()
	rc.Logger = logger
	rc.HealthCheckInterval = 0
	rc.MaxReconnectAttempts = 5

	factory := func(ctx context.Context) (interface{}, error) {
		return s3.NewBackend(ctx, cfg.Store.Bucket, storeConfigToBackendConfig(&cfg.Store), slog.Default())
	}
	healthFn := func(ctx context.Context, conn interface{}) error {
		return conn.(*s3.Backend).HealthCheck(ctx)
	}

	cm := recovery.NewConnectionManager("s3-backend", rc, factory, healthFn)
	connectCtx, cancel := context.WithTimeout(ctx, rc.ConnectionTimeout*time.Duration(rc.MaxReconnectAttempts+1))
	defer cancel()

	if err := cm.Connect(connectCtx); err != nil {
		if werr := cm.Wait(connectCtx); werr != nil {
			return nil, nil, fmt.Errorf("connecting to object store: %w", err)
		}
	}

	conn, err := cm.GetConnection()
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to object store: %w", err)
	}

	return conn.(*s3.Backend), cm.Close, nil
}

// newMountHealthChecker registers the two liveness probes spec.md §4.7
// expects a running mount to expose: object-store reachability and the
// FUSE mount itself still being attached.
func newMountHealthChecker(backend *s3.Backend, manager fuse.PlatformFileSystem, tracker *pkghealth.Tracker) (*health.Checker, error) {
	checker, err := health.NewChecker(&health.Config{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("backend", "object store reachability", health.CategoryStorage, health.PriorityCritical,
		func(ctx context.Context) error {
			err := backend.HealthCheck(ctx)
			if err != nil {
				tracker.RecordError("backend", err)
			} else {
				tracker.RecordSuccess("backend")
			}
			return err
		}); err != nil {
		return nil, err
	}
	if err := checker.RegisterCheck("mount", "FUSE mount still attached", health.CategoryCore, health.PriorityCritical,
		func(ctx context.Context) error {
			if !manager.IsMounted() {
				return fmt.Errorf("mount is no longer attached")
			}
			return nil
		}); err != nil {
		return nil, err
	}
	return checker, nil
}

func mountVariant(ctx context.Context, variant string, cfg *config.Configuration, backend *s3.Backend, metricsCollector *metrics.Collector, mountDir, cacheDir string) (fuse.PlatformFileSystem, error) {
	switch variant {
	case "sequential-read":
		return fuse.MountSequentialRead(ctx, cfg, backend, metricsCollector, mountDir)
	case "clp-sequential-read":
		return fuse.MountCLPSequentialRead(ctx, cfg, backend, metricsCollector, mountDir, cacheDir, cfg.Cache.CLPFakeFileSize)
	case "mostly-sequential-write":
		return fuse.MountMostlySequentialWrite(ctx, cfg, backend, metricsCollector, mountDir, cacheDir)
	default:
		return nil, fmt.Errorf("unknown variant %q", variant)
	}
}

func storeConfigToBackendConfig(sc *config.StoreConfig) *s3.Config {
	bc := s3.NewDefaultConfig()
	bc.Region = sc.Region
	bc.Endpoint = sc.Endpoint
	bc.AccessKeyID = sc.AccessKeyID
	bc.SecretAccessKey = sc.SecretAccessKey
	bc.SessionToken = sc.SessionToken
	bc.ForcePathStyle = sc.ForcePathStyle
	bc.MaxRetries = sc.MaxRetries
	bc.ConnectTimeout = sc.ConnectTimeout
	bc.RequestTimeout = sc.RequestTimeout
	bc.PoolSize = sc.PoolSize
	bc.EnableCargoShipOptimization = sc.EnableCargoShipOptimization
	bc.TargetThroughputMbps = sc.TargetThroughputMbps
	return bc
}
