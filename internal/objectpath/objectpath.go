// Package objectpath converts between mount-relative filesystem paths and
// object-store keys, and validates the mount prefix configuration (spec.md
// §4.1).
package objectpath

import (
	"fmt"
	"strings"
)

// Converter holds the fixed parameters of one mount's path/key conversion:
// the bucket, the key prefix objects are listed under, and an optional
// prefix stripped when rendering keys as mount-relative paths.
//
// Invariants (spec.md §3): Prefix is absolute and contains no redundant
// segments; StripPrefix, if non-empty, is a proper prefix of the full
// "/<bucket>/<prefix>" path.
type Converter struct {
	Bucket      string
	KeyPrefix   string
	StripPrefix string
	fullPrefix  string
}

// New builds a Converter, validating the invariants spec.md §3 requires of
// a MountConfig's path prefix.
func New(bucket, keyPrefix, stripPrefix string) (*Converter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectpath: bucket must not be empty")
	}
	clean := strings.Trim(keyPrefix, "/")
	if strings.Contains(clean, "//") || strings.Contains(clean, "..") {
		return nil, fmt.Errorf("objectpath: key prefix contains redundant segments: %q", keyPrefix)
	}

	full := "/" + bucket
	if clean != "" {
		full += "/" + clean
	}

	if stripPrefix != "" && !strings.HasPrefix(full, stripPrefix) {
		return nil, fmt.Errorf("objectpath: strip prefix %q is not a prefix of %q", stripPrefix, full)
	}

	return &Converter{
		Bucket:      bucket,
		KeyPrefix:   clean,
		StripPrefix: stripPrefix,
		fullPrefix:  full,
	}, nil
}

// PathFromKey renders an object key as a mount-relative path: it builds
// "/<bucket>/<key>" then strips the configured reconstruction prefix.
// Objects whose key is absolute, contains redundant segments, or ends in
// "/" are not representable on the mount and return an error.
func (c *Converter) PathFromKey(key string) (string, error) {
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("objectpath: key must not be absolute: %q", key)
	}
	if strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("objectpath: key names a prefix, not an object: %q", key)
	}
	if strings.Contains(key, "//") || strings.Contains(key, "..") {
		return "", fmt.Errorf("objectpath: key contains redundant segments: %q", key)
	}

	full := "/" + c.Bucket + "/" + key
	rel := strings.TrimPrefix(full, c.StripPrefix)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel, nil
}

// URIFromPath renders a mount-relative path as an "s3://" object URI: the
// reconstruction prefix (minus its leading slash) joined with the
// path (minus its leading slash) is a pure string join, per spec.md §4.1.
func (c *Converter) URIFromPath(path string) string {
	prefix := strings.TrimPrefix(c.fullPrefix, "/")
	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		return "s3://" + prefix
	}
	return "s3://" + prefix + "/" + rel
}

// KeyFromPath is the inverse of PathFromKey: it reconstructs the object key
// addressed by a mount-relative path, stripping the bucket segment.
func (c *Converter) KeyFromPath(path string) (string, error) {
	full := c.StripPrefix + path
	bucketPrefix := "/" + c.Bucket + "/"
	if !strings.HasPrefix(full, bucketPrefix) {
		return "", fmt.Errorf("objectpath: path %q does not resolve under bucket %q", path, c.Bucket)
	}
	return strings.TrimPrefix(full, bucketPrefix), nil
}

// ListPrefix is the object-store key prefix to list for this mount.
func (c *Converter) ListPrefix() string {
	return c.KeyPrefix
}
