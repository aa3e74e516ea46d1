package fuse

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeInt64ToUint64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{-1, 0},
		{1 << 40, 1 << 40},
	}
	for _, c := range cases {
		if got := safeInt64ToUint64(c.in); got != c.want {
			t.Errorf("safeInt64ToUint64(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSafeIntToUint32(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want uint32
	}{
		{0, 0},
		{-1, 0},
		{1024, 1024},
		{0xFFFFFFFF + 1, 0xFFFFFFFF},
	}
	for _, c := range cases {
		if got := safeIntToUint32(c.in); got != c.want {
			t.Errorf("safeIntToUint32(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestStatsBox(t *testing.T) {
	t.Parallel()

	var b statsBox
	b.inc(func(s *FilesystemStats) { s.Opens++ })
	b.inc(func(s *FilesystemStats) { s.BytesRead += 4096 })

	snap := b.snapshot()
	if snap.Opens != 1 {
		t.Errorf("Opens = %d, want 1", snap.Opens)
	}
	if snap.BytesRead != 4096 {
		t.Errorf("BytesRead = %d, want 4096", snap.BytesRead)
	}
}

func TestPrepareAndTeardownMountPoint(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	mountDir := filepath.Join(base, "mnt")

	cacheDir, err := PrepareMountPoint(mountDir)
	if err != nil {
		t.Fatalf("PrepareMountPoint() error = %v", err)
	}
	if cacheDir == "" {
		t.Fatal("PrepareMountPoint() returned empty cache dir")
	}
	if filepath.Dir(cacheDir) != filepath.Dir(mountDir) {
		t.Errorf("cache dir %q is not a sibling of mount dir %q", cacheDir, mountDir)
	}
	if filepath.Base(cacheDir)[0] != '.' {
		t.Errorf("cache dir %q is not hidden", cacheDir)
	}

	if info, err := os.Stat(mountDir); err != nil || !info.IsDir() {
		t.Fatalf("mount dir not created: %v", err)
	}
	if info, err := os.Stat(cacheDir); err != nil || !info.IsDir() {
		t.Fatalf("cache dir not created: %v", err)
	}

	if err := TeardownMountPoint(mountDir, cacheDir); err != nil {
		t.Fatalf("TeardownMountPoint() error = %v", err)
	}
	if _, err := os.Stat(mountDir); !os.IsNotExist(err) {
		t.Errorf("mount dir still exists after teardown")
	}
	if _, err := os.Stat(cacheDir); !os.IsNotExist(err) {
		t.Errorf("cache dir still exists after teardown")
	}
}

func TestPrepareMountPointRejectsNonEmptyDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	mountDir := filepath.Join(base, "mnt")
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mountDir, "leftover"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := PrepareMountPoint(mountDir); err == nil {
		t.Fatal("PrepareMountPoint() on a non-empty directory succeeded, want error")
	}
}

func TestMountManagerDefaultConfig(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, nil)
	if m.config == nil {
		t.Fatal("NewMountManager(nil, nil) left config nil")
	}
	if m.config.Options.FSName != "s3fuse" {
		t.Errorf("default FSName = %q, want s3fuse", m.config.Options.FSName)
	}
	if m.config.Permissions.FileMode != 0644 {
		t.Errorf("default FileMode = %o, want 0644", m.config.Permissions.FileMode)
	}
}

func TestMountManagerUnmountWithoutMount(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, &MountConfig{
		MountPoint: "/nonexistent",
		Options:    &MountOptions{},
	})
	if err := m.Unmount(); err == nil {
		t.Fatal("Unmount() on a never-mounted manager succeeded, want error")
	}
}

func TestBuildFUSEOptionsReadOnly(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, &MountConfig{
		MountPoint: "/tmp",
		Options: &MountOptions{
			ReadOnly: true,
			FSName:   "s3fuse",
			Subtype:  "s3",
		},
		Permissions: &Permissions{},
	})

	opts := m.buildFUSEOptions()
	found := false
	for _, o := range opts.Options {
		if o == "ro" {
			found = true
		}
	}
	if !found {
		t.Error("buildFUSEOptions() did not set the ro option for a read-only mount")
	}
	if opts.MountOptions.FsName != "s3fuse" {
		t.Errorf("MountOptions.FsName = %q, want s3fuse", opts.MountOptions.FsName)
	}
}
