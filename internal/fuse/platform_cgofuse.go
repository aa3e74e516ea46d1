//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"strings"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/config"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// PlatformFileSystem is the subset of CgoFuseMountManager's surface exposed
// to callers that don't need the full lifecycle API.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

func newConverter(cfg *config.Configuration) (*objectpath.Converter, error) {
	clean := strings.Trim(cfg.Store.KeyPrefix, "/")
	stripPrefix := "/" + cfg.Store.Bucket
	if clean != "" {
		stripPrefix += "/" + clean
	}
	return objectpath.New(cfg.Store.Bucket, cfg.Store.KeyPrefix, stripPrefix)
}

func mountConfigFrom(cfg *config.Configuration, mountDir string) *MountConfig {
	return &MountConfig{
		MountPoint: mountDir,
		Options: &MountOptions{
			AllowOther:   cfg.Mount.AllowOther,
			Debug:        cfg.Mount.Debug,
			AttrTimeout:  cfg.Mount.AttrTimeout,
			EntryTimeout: cfg.Mount.EntryTimeout,
		},
		Permissions: &Permissions{
			UID:      cfg.Mount.DefaultUID,
			GID:      cfg.Mount.DefaultGID,
			FileMode: 0644,
			DirMode:  0755,
		},
	}
}

// MountSequentialRead mounts the sequential-read variant (spec.md §4.4)
// through cgofuse.
func MountSequentialRead(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir string) (*CgoFuseMountManager, error) {
	conv, err := newConverter(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid object path configuration: %w", err)
	}

	cache := attrcache.New()
	if err := cache.Populate(ctx, backend, conv); err != nil {
		return nil, fmt.Errorf("populating attribute cache: %w", err)
	}

	manager := NewCgoFuseMountManager(backend, conv, cache, mountConfigFrom(cfg, mountDir))
	if err := manager.Mount(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// MountCLPSequentialRead is not implemented on the cgofuse platform
// (DESIGN.md: cgofuse build narrowed to sequential-read).
func MountCLPSequentialRead(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir, cacheDir string, maxFileSize int64) (*CgoFuseMountManager, error) {
	return nil, fmt.Errorf("s3fuse: CLP sequential-read mount is not supported on the cgofuse platform build")
}

// MountMostlySequentialWrite is not implemented on the cgofuse platform
// (DESIGN.md: cgofuse build narrowed to sequential-read).
func MountMostlySequentialWrite(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir, cacheDir string) (*CgoFuseMountManager, error) {
	return nil, fmt.Errorf("s3fuse: mostly-sequential-write mount is not supported on the cgofuse platform build")
}
