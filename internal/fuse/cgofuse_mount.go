//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// CgoFuseMountManager manages a cgofuse-based sequential-read mount.
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
}

// NewCgoFuseMountManager returns a CgoFuseMountManager whose attribute
// cache has already been populated by cache.Populate.
func NewCgoFuseMountManager(backend types.Backend, conv *objectpath.Converter, cache *attrcache.Cache, config *MountConfig) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(backend, conv, cache, config),
	}
}

func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
