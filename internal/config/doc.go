// Package config defines the configuration for an s3fuse mount.
//
// A Configuration is built from defaults (NewDefault), then a YAML file
// (LoadFromFile), then environment variables prefixed S3FUSE_ (LoadFromEnv),
// in that order of increasing precedence. Call Validate before passing the
// result to any of the mount entry points in package fuse.
package config
