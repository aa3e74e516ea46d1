/*
Package fuse mounts an S3-compatible object store as a POSIX filesystem in
one of three variants (spec.md §4.4-§4.6), each satisfying
MountableFileSystem and sharing MountManager's mount/unmount lifecycle:

  - SequentialReadFS: a read-only mount whose listing is populated once
    into an attribute cache at mount time, and whose files are staged ahead
    of demand by a pre-opener thread that expects opens in listing order.

  - CLPSequentialReadFS: a read-only mount with no up-front listing: a
    path's kind is inferred from its name (a UUID is an archive directory,
    "s" and "l" are its reserved subdirectories, anything else is a file)
    and directories are listed on demand. An archive's canonical CLP
    metadata files are served from a background-downloaded, polled
    metadata cache.

  - MostlySequentialWriteFS: a fresh, write-only mount for one compressor
    run's output. Archive directories are created with Mkdir and their
    metadata files route through a metadatacontainer.Container; every
    other created file is a direct upload stream.

Two FUSE bindings are supported through build constraints: the default
build uses github.com/hanwen/go-fuse/v2 for all three variants; the
cgofuse build (-tags cgofuse) uses github.com/winfsp/cgofuse for
cross-platform support, but implements only the sequential-read variant
(see DESIGN.md for why the other two aren't worth tripling under cgofuse's
callback model).

Callers use the package-level Mount* functions in platform.go /
platform_cgofuse.go rather than constructing a variant's filesystem type
directly: they wire a types.Backend, the parsed config.Configuration, and
a mount point into the matching MountManager (or CgoFuseMountManager) and
call Mount.
*/
package fuse
