// Package storage defines the byte-source backends that hold container
// bytes and the Router that maps this host's resources onto them.
package storage

import (
	"context"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
)

// Source is a random-access view of one stored object.
type Source = blob.Source

// Backend is the interface for container byte storage.
// Implementations handle raw object reads (local filesystem, SMB mounts, S3).
type Backend interface {
	// Open returns a Source for the object stored under key.
	// A missing object yields an error wrapping fs.ErrNotExist.
	Open(ctx context.Context, key string) (Source, error)

	// Type returns the backend type identifier ("local", "smb", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
