package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/catalog"
	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Mount pairs a catalog resource with its instantiated Backend.
type Mount struct {
	catalog.Resource
	Backend Backend
}

// Router maps the resources this host owns onto their backends.
type Router struct {
	mu      sync.RWMutex
	mounts  map[string]*Mount // resource name -> mount
	catalog catalog.Catalog
	owns    func(catalog.Resource) bool
}

// NewRouter creates a Router and mounts every resource in cat for which
// owns returns true.
func NewRouter(ctx context.Context, cat catalog.Catalog, owns func(catalog.Resource) bool) (*Router, error) {
	r := &Router{
		mounts:  make(map[string]*Mount),
		catalog: cat,
		owns:    owns,
	}

	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	return r, nil
}

// Reload re-reads the catalog and re-instantiates backends whose
// configuration changed. Backends of resources that disappeared or moved
// to another host are closed.
func (r *Router) Reload(ctx context.Context) error {
	resources, err := r.catalog.List(ctx)
	if err != nil {
		metrics.RecordCatalogReload(0, false)
		return err
	}

	r.mu.RLock()
	old := r.mounts
	r.mu.RUnlock()

	mounts := make(map[string]*Mount, len(resources))
	for _, res := range resources {
		if !r.owns(res) {
			continue
		}

		// Reuse existing backend if config hasn't changed
		existing := old[res.Name]
		var backend Backend
		if existing != nil && string(existing.Config) == string(res.Config) && existing.BackendType == res.BackendType {
			backend = existing.Backend
		} else {
			backend, err = NewBackendFromConfig(ctx, res.BackendType, res.Config)
			if err != nil {
				logging.Error("failed to initialize storage backend",
					zap.String("resource", res.Name),
					zap.String("backend", res.BackendType),
					zap.Error(err))
				continue
			}
		}

		mounts[res.Name] = &Mount{Resource: res, Backend: backend}
	}

	r.mu.Lock()
	r.mounts = mounts
	r.mu.Unlock()

	for name, m := range old {
		if cur, ok := mounts[name]; !ok || cur.Backend != m.Backend {
			m.Backend.Close()
		}
	}

	metrics.RecordCatalogReload(len(mounts), true)
	logging.Info("storage router reloaded",
		zap.Int("resources", len(resources)),
		zap.Int("mounted", len(mounts)))

	return nil
}

// Resources lists the names of the mounted resources.
func (r *Router) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mounts))
	for name := range r.mounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenSource opens the container bytes named by ref. A resource this
// host does not serve, or a path that does not exist, fails with
// ResourceUnknown; any other storage failure with ResourceUnreachable.
func (r *Router) OpenSource(ctx context.Context, ref structfile.PhysicalRef) (Source, error) {
	r.mu.RLock()
	m, ok := r.mounts[ref.Resource]
	r.mu.RUnlock()
	if !ok {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "open", "resource %q is not served by this host", ref.Resource)
	}

	src, err := m.Backend.Open(ctx, ref.Path)
	switch {
	case err == nil:
		return src, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, blob.ErrNotObject):
		return nil, structfile.Wrap(structfile.ResourceUnknown, "open", err)
	default:
		return nil, structfile.Wrap(structfile.ResourceUnreachable, "open", err)
	}
}

// Close closes all backend connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.mounts {
		m.Backend.Close()
	}
	r.mounts = make(map[string]*Mount)
	return nil
}
