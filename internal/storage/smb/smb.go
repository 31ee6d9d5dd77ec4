// Package smb serves container bytes from an SMB/CIFS share that the
// operating system has already mounted (mount.cifs, fstab or autofs).
package smb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/storage/local"
)

// Config holds SMB backend settings. Server names the share for
// operators; reads go through MountPath.
type Config struct {
	Server    string `json:"server"` // e.g. //fileserver/archive
	MountPath string `json:"mount_path"`
}

// ErrShareUnavailable reports that the mount point has gone away, which
// is a reachability problem rather than a missing container.
var ErrShareUnavailable = errors.New("smb share not mounted")

// Backend reads through the local filesystem at the mount point.
type Backend struct {
	fs     *local.Backend
	server string
}

// New checks that the share is mounted at cfg.MountPath.
func New(cfg Config) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}
	lb, err := local.New(local.Config{RootPath: cfg.MountPath})
	if err != nil {
		return nil, fmt.Errorf("smb share %s: %w", cfg.Server, err)
	}
	return &Backend{fs: lb, server: cfg.Server}, nil
}

// NewFromJSON decodes a catalog resource config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Open opens the container at p. A missing file on a share whose mount
// point has also vanished fails with ErrShareUnavailable instead of
// fs.ErrNotExist.
func (b *Backend) Open(ctx context.Context, p string) (blob.Source, error) {
	src, err := b.fs.Open(ctx, p)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return src, err
	}
	if _, statErr := os.Stat(b.fs.Root()); statErr != nil {
		return nil, fmt.Errorf("open %s on %s: %w", p, b.server, ErrShareUnavailable)
	}
	return nil, err
}

func (b *Backend) Type() string { return "smb" }

// Server is the configured share name.
func (b *Backend) Server() string { return b.server }

func (b *Backend) Close() error { return nil }
