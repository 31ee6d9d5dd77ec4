// Package local serves container bytes from a directory tree on the
// resource server's own filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string `json:"root_path"`
}

// Backend maps resource paths below a root directory.
type Backend struct {
	root string
}

// New checks that cfg.RootPath is an existing directory.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}
	return &Backend{root: cfg.RootPath}, nil
}

// NewFromJSON decodes a catalog resource config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root is the directory resource paths resolve under.
func (b *Backend) Root() string { return b.root }

// resolve maps a slash-separated resource path under the root. Cleaning
// against "/" first keeps ".." segments from leaving the root.
func (b *Backend) resolve(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(path.Clean("/"+p)))
}

// Open opens the container at p for random-access reads.
func (b *Backend) Open(_ context.Context, p string) (blob.Source, error) {
	f, err := os.Open(b.resolve(p))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err == nil && !info.Mode().IsRegular() {
		err = blob.ErrNotObject
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return &file{File: f, size: info.Size()}, nil
}

func (b *Backend) Type() string { return "local" }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 { return f.size }
