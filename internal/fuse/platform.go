//go:build !cgofuse
// +build !cgofuse

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

// newConverter builds the path converter stripping the configured bucket
// and key prefix, so the mount root "/" corresponds to cfg.Store.KeyPrefix.
func newConverter(cfg *config.Configuration) (*objectpath.Converter, error) {
	clean := strings.Trim(cfg.Store.KeyPrefix, "/")
	stripPrefix := "/" + cfg.Store.Bucket
	if clean != "" {
		stripPrefix += "/" + clean
	}
	return objectpath.New(cfg.Store.Bucket, cfg.Store.KeyPrefix, stripPrefix)
}

// PlatformFileSystem is the subset of MountManager's surface exposed to
// callers that don't need the full lifecycle API (mount watchers, status
// reporting).
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

func mountConfigFrom(cfg *config.Configuration, mountDir string) *MountConfig {
	return &MountConfig{
		MountPoint: mountDir,
		Options: &MountOptions{
			ReadOnly:     false,
			AllowOther:   cfg.Mount.AllowOther,
			Debug:        cfg.Mount.Debug,
			AttrTimeout:  cfg.Mount.AttrTimeout,
			EntryTimeout: cfg.Mount.EntryTimeout,
			FSName:       "s3fuse",
			Subtype:      "s3",
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
		},
		Permissions: &Permissions{
			UID:      cfg.Mount.DefaultUID,
			GID:      cfg.Mount.DefaultGID,
			FileMode: 0644,
			DirMode:  0755,
		},
	}
}

// MountSequentialRead mounts the sequential-read variant (spec.md §4.4) at
// mountDir: the backend listing is populated once into an attribute cache,
// and files are served through the pre-opener.
func MountSequentialRead(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir string) (*MountManager, error) {
	conv, err := newConverter(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid object path configuration: %w", err)
	}

	cache := attrcache.New()
	if err := cache.Populate(ctx, backend, conv); err != nil {
		return nil, fmt.Errorf("populating attribute cache: %w", err)
	}

	fsys := NewSequentialReadFS(backend, conv, cache, cfg.Cache.MaxPreopenedStreams, metrics)
	manager := NewMountManager(fsys, mountConfigFrom(cfg, mountDir))
	if err := manager.Mount(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// MountCLPSequentialRead mounts the CLP sequential-read variant (spec.md
// §4.5) at mountDir. Unlike MountSequentialRead it never populates a
// listing: directory shape is inferred per path component (UUID names are
// archive directories, "s"/"l" are their reserved subdirectories), and
// archive metadata is served through a background-downloaded metadata
// cache, spilling to cacheDir once an archive's merged object exceeds
// cfg.Cache.MaxFileSize. maxFileSize is the distinct synthetic size (spec.md
// §6) reported for non-metadata files.
func MountCLPSequentialRead(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir, cacheDir string, maxFileSize int64) (*MountManager, error) {
	conv, err := newConverter(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid object path configuration: %w", err)
	}

	fsys := NewCLPSequentialReadFS(backend, conv, cfg.Cache.MaxFileSize, maxFileSize, cacheDir, metrics)
	manager := NewMountManager(fsys, mountConfigFrom(cfg, mountDir))
	if err := manager.Mount(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// MountMostlySequentialWrite mounts the mostly-sequential-write variant
// (spec.md §4.6) at mountDir: a fresh mount for one compressor run's
// output, staging archive metadata scratch files under cacheDir.
func MountMostlySequentialWrite(ctx context.Context, cfg *config.Configuration, backend types.Backend, metrics types.MetricsCollector, mountDir, cacheDir string) (*MountManager, error) {
	conv, err := newConverter(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid object path configuration: %w", err)
	}

	fsys := NewMostlySequentialWriteFS(backend, conv, cacheDir, metrics)
	manager := NewMountManager(fsys, mountConfigFrom(cfg, mountDir))
	if err := manager.Mount(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}
